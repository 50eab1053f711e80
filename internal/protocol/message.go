// Package protocol implements the Jupyter messaging protocol: typed message
// headers, the multipart wire codec with HMAC-SHA256 signing, connection file
// handling, and the kernel error taxonomy. It knows nothing about sockets;
// byte movement belongs to internal/transport.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the Jupyter messaging protocol version the kernel speaks.
const ProtocolVersion = "5.3"

// Channel names. These are logical stream identifiers understood by the
// transport layer; the protocol layer only uses them for reply routing.
const (
	ChannelShell     = "shell"
	ChannelIOPub     = "iopub"
	ChannelStdin     = "stdin"
	ChannelControl   = "control"
	ChannelHeartbeat = "heartbeat"
)

// Message type constants for the request/reply pairs the kernel supports.
const (
	MsgKernelInfoRequest = "kernel_info_request"
	MsgKernelInfoReply   = "kernel_info_reply"
	MsgExecuteRequest    = "execute_request"
	MsgExecuteReply      = "execute_reply"
	MsgExecuteResult     = "execute_result"
	MsgInspectRequest    = "inspect_request"
	MsgInspectReply      = "inspect_reply"
	MsgCompleteRequest   = "complete_request"
	MsgCompleteReply     = "complete_reply"
	MsgShutdownRequest   = "shutdown_request"
	MsgShutdownReply     = "shutdown_reply"
	MsgInterruptRequest  = "interrupt_request"
	MsgInterruptReply    = "interrupt_reply"
	MsgCommOpen          = "comm_open"
	MsgCommMsg           = "comm_msg"
	MsgCommClose         = "comm_close"
	MsgDebugRequest      = "debug_request"
	MsgDebugReply        = "debug_reply"
	MsgDebugEvent        = "debug_event"
	MsgStatus            = "status"
	MsgStream            = "stream"
	MsgError             = "error"
)

// Header identifies a single message. Every field is required by the wire
// format; Date is ISO 8601.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a fully decoded Jupyter message. Identities carry the ZeroMQ
// routing prefix and are echoed verbatim on replies so ROUTER sockets can
// address the correct peer. ParentHeader is nil for client-originated
// requests and non-nil for everything the kernel emits in response.
type Message struct {
	Identities   [][]byte
	Header       Header
	ParentHeader *Header
	Metadata     map[string]interface{}
	Content      map[string]interface{}
	Buffers      [][]byte
}

// NewHeader builds a fresh header for the given session and message type.
func NewHeader(session, msgType string) Header {
	return Header{
		MsgID:    uuid.NewString(),
		Session:  session,
		Username: "kernel",
		Date:     time.Now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  ProtocolVersion,
	}
}

// NewRequest builds a client-originated message with no parent.
func NewRequest(session, msgType string, content map[string]interface{}) *Message {
	if content == nil {
		content = map[string]interface{}{}
	}
	return &Message{
		Header:   NewHeader(session, msgType),
		Metadata: map[string]interface{}{},
		Content:  content,
	}
}

// NewChild builds a message caused by parent. The parent's header becomes the
// new message's parent header and the parent's identities are echoed so the
// transport can route the reply. This is the only constructor kernel handlers
// should use for replies and broadcasts; it is what keeps invariant "every
// caused broadcast carries a parent header" true.
func NewChild(parent *Message, msgType string, content map[string]interface{}) *Message {
	if content == nil {
		content = map[string]interface{}{}
	}
	ph := parent.Header
	return &Message{
		Identities:   parent.Identities,
		Header:       NewHeader(parent.Header.Session, msgType),
		ParentHeader: &ph,
		Metadata:     map[string]interface{}{},
		Content:      content,
	}
}

// ParentID returns the parent msg_id, or "" when the message has no cause.
func (m *Message) ParentID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// IsRequest reports whether the message type names a request.
func (m *Message) IsRequest() bool {
	n := len(m.Header.MsgType)
	return n > 8 && m.Header.MsgType[n-8:] == "_request"
}

// ReplyType derives the reply message type for a request type
// (execute_request -> execute_reply).
func ReplyType(requestType string) string {
	n := len(requestType)
	if n > 8 && requestType[n-8:] == "_request" {
		return requestType[:n-8] + "_reply"
	}
	return requestType + "_reply"
}

// DecodeContent unmarshals the message content into a typed struct via a JSON
// round trip. Handlers use it to get typed request views without the wire
// layer knowing every content schema.
func (m *Message) DecodeContent(v interface{}) error {
	raw, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("re-encode content: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s content: %w", m.Header.MsgType, err)
	}
	return nil
}

// ExecuteRequestContent is the content schema of execute_request.
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// InspectRequestContent is the content schema of inspect_request.
type InspectRequestContent struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

// CompleteRequestContent is the content schema of complete_request.
type CompleteRequestContent struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// CommContent covers comm_open, comm_msg and comm_close.
type CommContent struct {
	CommID     string                 `json:"comm_id"`
	TargetName string                 `json:"target_name,omitempty"`
	Data       map[string]interface{} `json:"data"`
}

// KernelInfo is the content of kernel_info_reply.
type KernelInfo struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
}

// LanguageInfo describes the active script engine to clients.
type LanguageInfo struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	MimeType      string `json:"mimetype"`
	FileExtension string `json:"file_extension"`
}
