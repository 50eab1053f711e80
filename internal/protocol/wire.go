package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// delimiter separates routing identities from the signed message segments.
var delimiter = []byte("<IDS|MSG>")

// emptyDict is the wire form of an absent parent header or metadata.
var emptyDict = []byte("{}")

// Wire encodes and decodes multipart Jupyter frames:
//
//	[identities..., "<IDS|MSG>", signature, header, parent_header, metadata, content, buffers...]
//
// The signature is hex-encoded HMAC-SHA256 over the four JSON segments using
// the connection key. An empty key disables signing (used by the in-process
// transport in tests).
type Wire struct {
	key []byte
}

// NewWire creates a codec signing with key. key may be empty.
func NewWire(key string) *Wire {
	return &Wire{key: []byte(key)}
}

// Sign computes the hex HMAC over the given segments in order.
func (w *Wire) Sign(segments ...[]byte) []byte {
	if len(w.key) == 0 {
		return []byte{}
	}
	mac := hmac.New(sha256.New, w.key)
	for _, seg := range segments {
		mac.Write(seg)
	}
	out := make([]byte, hex.EncodedLen(sha256.Size))
	hex.Encode(out, mac.Sum(nil))
	return out
}

// Encode serializes a message into wire frames.
func (w *Wire) Encode(msg *Message) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	parent := emptyDict
	if msg.ParentHeader != nil {
		parent, err = json.Marshal(msg.ParentHeader)
		if err != nil {
			return nil, fmt.Errorf("marshal parent header: %w", err)
		}
	}
	metadata := emptyDict
	if msg.Metadata != nil {
		metadata, err = json.Marshal(msg.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	content := emptyDict
	if msg.Content != nil {
		content, err = json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
	}

	frames := make([][]byte, 0, len(msg.Identities)+6+len(msg.Buffers))
	frames = append(frames, msg.Identities...)
	frames = append(frames, delimiter)
	frames = append(frames, w.Sign(header, parent, metadata, content))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses wire frames into a message, verifying the signature.
func (w *Wire) Decode(frames [][]byte) (*Message, error) {
	delim := -1
	for i, f := range frames {
		if bytes.Equal(f, delimiter) {
			delim = i
			break
		}
	}
	if delim < 0 {
		return nil, &KernelError{Kind: KindProtocol, Message: "missing <IDS|MSG> delimiter"}
	}
	if len(frames) < delim+6 {
		return nil, &KernelError{Kind: KindProtocol, Message: fmt.Sprintf("incomplete message: %d frames after delimiter", len(frames)-delim-1)}
	}

	signature := frames[delim+1]
	header := frames[delim+2]
	parent := frames[delim+3]
	metadata := frames[delim+4]
	content := frames[delim+5]

	if len(w.key) > 0 {
		expected := w.Sign(header, parent, metadata, content)
		if !hmac.Equal(signature, expected) {
			return nil, &KernelError{Kind: KindProtocol, Message: "HMAC signature verification failed"}
		}
	}

	msg := &Message{
		Identities: append([][]byte{}, frames[:delim]...),
		Metadata:   map[string]interface{}{},
		Content:    map[string]interface{}{},
	}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, &KernelError{Kind: KindProtocol, Message: "malformed header", Err: err}
	}
	if len(parent) > 0 && !bytes.Equal(parent, emptyDict) {
		var ph Header
		if err := json.Unmarshal(parent, &ph); err != nil {
			return nil, &KernelError{Kind: KindProtocol, Message: "malformed parent header", Err: err}
		}
		msg.ParentHeader = &ph
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, &KernelError{Kind: KindProtocol, Message: "malformed metadata", Err: err}
		}
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &msg.Content); err != nil {
			return nil, &KernelError{Kind: KindProtocol, Message: "malformed content", Err: err}
		}
	}
	if len(frames) > delim+6 {
		msg.Buffers = append([][]byte{}, frames[delim+6:]...)
	}
	return msg, nil
}
