package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"llmspell/internal/bridge"
	"llmspell/internal/debug"
	"llmspell/internal/engine"
	"llmspell/internal/globals"
	"llmspell/internal/hooks"
	"llmspell/internal/protocol"
	"llmspell/internal/router"
)

// handleShell dispatches one shell request. Every request is bracketed by
// busy/idle status broadcasts carrying the request as parent; execute defers
// its own idle until the execution finishes.
func (k *Kernel) handleShell(msg *protocol.Message) {
	k.status(msg, "busy")

	switch msg.Header.MsgType {
	case protocol.MsgKernelInfoRequest:
		k.handleKernelInfo(protocol.ChannelShell, msg)
	case protocol.MsgExecuteRequest:
		k.handleExecute(msg)
		return // idle follows the execution, not the dispatch
	case protocol.MsgInspectRequest:
		k.handleInspect(msg)
	case protocol.MsgCompleteRequest:
		k.handleComplete(msg)
	case protocol.MsgCommOpen, protocol.MsgCommMsg, protocol.MsgCommClose:
		k.handleComm(msg)
	case protocol.MsgDebugRequest:
		k.handleDebug(protocol.ChannelShell, msg)
	default:
		k.errorReply(protocol.ChannelShell, msg,
			protocol.Errorf(protocol.KindProtocol, "unsupported message type %q", msg.Header.MsgType),
			protocol.KindProtocol)
	}

	k.status(msg, "idle")
}

// handleControl dispatches one control request. Control stays responsive
// while an execution runs, which is the whole point of the channel.
func (k *Kernel) handleControl(msg *protocol.Message) {
	switch msg.Header.MsgType {
	case protocol.MsgKernelInfoRequest:
		k.handleKernelInfo(protocol.ChannelControl, msg)
	case protocol.MsgInterruptRequest:
		k.handleInterrupt(msg)
	case protocol.MsgShutdownRequest:
		k.handleShutdown(msg)
	case protocol.MsgDebugRequest:
		k.handleDebug(protocol.ChannelControl, msg)
	default:
		k.errorReply(protocol.ChannelControl, msg,
			protocol.Errorf(protocol.KindProtocol, "unsupported message type %q", msg.Header.MsgType),
			protocol.KindProtocol)
	}
}

func (k *Kernel) handleKernelInfo(channel string, msg *protocol.Message) {
	info := protocol.KernelInfo{
		Status:                "ok",
		ProtocolVersion:       protocol.ProtocolVersion,
		Implementation:        Implementation,
		ImplementationVersion: ImplementationVersion,
		LanguageInfo:          languageInfo(k.eng),
		Banner:                fmt.Sprintf("%s %s (%s engine)", Implementation, ImplementationVersion, k.eng.Name()),
	}
	raw, _ := json.Marshal(info)
	var content map[string]interface{}
	json.Unmarshal(raw, &content)
	k.reply(channel, msg, content)
}

func languageInfo(eng engine.Engine) protocol.LanguageInfo {
	switch eng.Name() {
	case "go":
		return protocol.LanguageInfo{
			Name:          "go",
			Version:       eng.Version(),
			MimeType:      "text/x-go",
			FileExtension: ".go",
		}
	default:
		return protocol.LanguageInfo{
			Name:          "lua",
			Version:       eng.Version(),
			MimeType:      "text/x-lua",
			FileExtension: ".lua",
		}
	}
}

// handleExecute runs the script off the loop goroutine. The loop stops
// polling shell while the kernel is busy, so later requests queue in the
// socket and execute in arrival order.
func (k *Kernel) handleExecute(msg *protocol.Message) {
	var req protocol.ExecuteRequestContent
	if err := msg.DecodeContent(&req); err != nil {
		k.errorReply(protocol.ChannelShell, msg, err, protocol.KindProtocol)
		k.status(msg, "idle")
		return
	}

	k.setState(StateBusy)
	done := make(chan struct{})
	k.busyDone.Store(&done)

	go func() {
		defer func() {
			k.currentToken.Store(nil)
			close(done)
			k.status(msg, "idle")
			k.setState(StateIdle)
		}()
		k.runExecution(msg, req)
	}()
}

func (k *Kernel) runExecution(msg *protocol.Message, req protocol.ExecuteRequestContent) {
	k.execMu.Lock()
	defer k.execMu.Unlock()

	count := k.execCount.Add(1)
	token := bridge.NewToken()
	k.currentToken.Store(token)

	ctx, cancel := context.WithTimeout(context.Background(), k.cfg.Engine.ExecTimeout)
	defer cancel()
	ctx = token.Context(ctx)
	ctx = globals.WithCorrelation(ctx, msg.Header.MsgID)

	code := req.Code
	out, err := k.hookExec.Execute(ctx, &hooks.HookContext{
		Point:         hooks.BeforeScriptExecution,
		CorrelationID: msg.Header.MsgID,
		Language:      k.eng.Name(),
		Value:         code,
	})
	if err != nil {
		k.errorReply(protocol.ChannelShell, msg, err, protocol.KindHook)
		return
	}
	if out != nil {
		if out.Stopped {
			k.errorReply(protocol.ChannelShell, msg,
				protocol.Errorf(protocol.KindHook, "execution cancelled by hook"), protocol.KindHook)
			return
		}
		if s, ok := out.Value.(string); ok {
			code = s
		}
	}

	capture := k.io.Begin(msg)
	k.eng.SetOutput(capture.Stdout(), capture.Stderr())
	k.streamingGlobal.BindEmitter(k.chunkedEmitter(capture))

	result, execErr := k.eng.Execute(ctx, code)
	capture.Close()

	k.hookExec.Execute(ctx, &hooks.HookContext{
		Point:         hooks.AfterScriptExecution,
		CorrelationID: msg.Header.MsgID,
		Language:      k.eng.Name(),
		Data:          map[string]interface{}{"failed": execErr != nil},
	})

	if execErr != nil {
		if token.Fired() {
			k.reply(protocol.ChannelShell, msg, map[string]interface{}{
				"status":          "aborted",
				"execution_count": count,
			})
			return
		}
		kerr := protocol.AsKernelError(execErr, protocol.KindExecution)
		if ctx.Err() == context.DeadlineExceeded {
			kerr = protocol.AsKernelError(execErr, protocol.KindTimeout)
		}
		k.sendChild(msg, protocol.MsgError, kerr.ErrorContent())
		content := kerr.ErrorContent()
		content["execution_count"] = count
		k.reply(protocol.ChannelShell, msg, content)
		return
	}

	if !req.Silent && result != nil && result.Repr != "" {
		k.sendChild(msg, protocol.MsgExecuteResult, map[string]interface{}{
			"execution_count": count,
			"data":            map[string]interface{}{"text/plain": result.Repr},
			"metadata":        map[string]interface{}{},
		})
	}
	k.reply(protocol.ChannelShell, msg, map[string]interface{}{
		"status":           "ok",
		"execution_count":  count,
		"payload":          []interface{}{},
		"user_expressions": map[string]interface{}{},
	})
}

// chunkedEmitter writes Streaming.emit text to stdout in bounded chunks so a
// single emit cannot produce an oversized stream message.
func (k *Kernel) chunkedEmitter(capture *router.Capture) func(string) error {
	max := k.cfg.Engine.StreamChunkMax
	w := capture.Stdout()
	return func(text string) error {
		b := []byte(text)
		for len(b) > 0 {
			n := len(b)
			if max > 0 && n > max {
				n = max
			}
			if _, err := w.Write(b[:n]); err != nil {
				return err
			}
			b = b[n:]
		}
		return nil
	}
}

// handleInterrupt stops the running execution: fire the cooperative token,
// then give the script the grace window to unwind before replying.
func (k *Kernel) handleInterrupt(msg *protocol.Message) {
	if k.State() != StateBusy && k.State() != StateDebugging {
		k.reply(protocol.ChannelControl, msg, map[string]interface{}{"status": "ok"})
		return
	}

	if t := k.currentToken.Load(); t != nil {
		t.Fire()
	}
	if k.debugger.Paused() {
		k.debugger.Resume(debug.ModeContinue) // unblock so cancellation can propagate
	}

	if dp := k.busyDone.Load(); dp != nil {
		select {
		case <-*dp:
		case <-time.After(k.cfg.Kernel.InterruptGrace):
			k.log.Warn("interrupt grace expired; execution still unwinding")
		}
	}
	k.reply(protocol.ChannelControl, msg, map[string]interface{}{"status": "ok"})
}

// handleShutdown acknowledges first, then tears down; the reply must reach
// the client before the transport closes.
func (k *Kernel) handleShutdown(msg *protocol.Message) {
	restart, _ := msg.Content["restart"].(bool)
	k.reply(protocol.ChannelControl, msg, map[string]interface{}{
		"status":  "ok",
		"restart": restart,
	})
	k.status(msg, "idle")
	go k.Stop()
}

// handleDebug translates debug_request commands to the controller. The
// command schema is accepted on both shell and control so a client can drive
// the debugger while an execution is paused.
func (k *Kernel) handleDebug(channel string, msg *protocol.Message) {
	command, _ := msg.Content["command"].(string)
	switch command {
	case "disconnect":
		k.debugger.SetEnabled(false)
	default:
		k.debugger.SetEnabled(true)
	}
	content := k.debugger.HandleRequest(context.Background(), msg.Content)
	k.reply(channel, msg, content)
}

func (k *Kernel) handleInspect(msg *protocol.Message) {
	var req protocol.InspectRequestContent
	if err := msg.DecodeContent(&req); err != nil {
		k.errorReply(protocol.ChannelShell, msg, err, protocol.KindProtocol)
		return
	}
	name := identifierAt(req.Code, req.CursorPos)
	content := map[string]interface{}{
		"status":   "ok",
		"found":    false,
		"data":     map[string]interface{}{},
		"metadata": map[string]interface{}{},
	}
	if g, ok := k.globals.Get(strings.SplitN(name, ".", 2)[0]); ok {
		mod := g.Module()
		fns := make([]string, 0, len(mod.Functions))
		for fn := range mod.Functions {
			fns = append(fns, mod.Name+"."+fn)
		}
		content["found"] = true
		content["data"] = map[string]interface{}{
			"text/plain": fmt.Sprintf("%s (version %s)\n%s", mod.Name, g.Version(), strings.Join(fns, "\n")),
		}
	}
	k.reply(protocol.ChannelShell, msg, content)
}

func (k *Kernel) handleComplete(msg *protocol.Message) {
	var req protocol.CompleteRequestContent
	if err := msg.DecodeContent(&req); err != nil {
		k.errorReply(protocol.ChannelShell, msg, err, protocol.KindProtocol)
		return
	}
	matches := k.eng.Complete(req.Code, req.CursorPos)
	if matches == nil {
		matches = []string{}
	}
	start := identifierStart(req.Code, req.CursorPos)
	k.reply(protocol.ChannelShell, msg, map[string]interface{}{
		"status":       "ok",
		"matches":      matches,
		"cursor_start": start,
		"cursor_end":   req.CursorPos,
		"metadata":     map[string]interface{}{},
	})
}

// handleComm keeps a minimal comm registry: opens are recorded, messages to
// unknown comms answer with comm_close so well-behaved clients stop sending.
func (k *Kernel) handleComm(msg *protocol.Message) {
	var c protocol.CommContent
	if err := msg.DecodeContent(&c); err != nil {
		k.log.Warn("bad comm content", zap.Error(err))
		return
	}
	k.commsMu.Lock()
	defer k.commsMu.Unlock()
	switch msg.Header.MsgType {
	case protocol.MsgCommOpen:
		k.comms[c.CommID] = c.TargetName
	case protocol.MsgCommMsg:
		if _, ok := k.comms[c.CommID]; !ok {
			k.sendChild(msg, protocol.MsgCommClose, map[string]interface{}{
				"comm_id": c.CommID,
				"data":    map[string]interface{}{},
			})
		}
	case protocol.MsgCommClose:
		delete(k.comms, c.CommID)
	}
}

// identifierAt extracts the identifier under the cursor.
func identifierAt(code string, pos int) string {
	start := identifierStart(code, pos)
	end := pos
	for end < len(code) && isIdentByte(code[end]) {
		end++
	}
	if start >= end {
		return ""
	}
	return code[start:end]
}

func identifierStart(code string, pos int) int {
	if pos > len(code) {
		pos = len(code)
	}
	start := pos
	for start > 0 && isIdentByte(code[start-1]) {
		start--
	}
	return start
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '.' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

var handleRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// invokeScript calls a script-registered function by name. The engine can
// only run one thing at a time, so callbacks fire when the interpreter is
// idle; a callback raised from inside a running execution is refused rather
// than deadlocked.
func (k *Kernel) invokeScript(ctx context.Context, handle string, arg interface{}) (interface{}, error) {
	if k.eng.Name() != "lua" {
		return nil, fmt.Errorf("engine %q does not support script callbacks", k.eng.Name())
	}
	if !handleRe.MatchString(handle) {
		return nil, fmt.Errorf("invalid callback handle %q", handle)
	}
	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode callback argument: %w", err)
	}
	code := fmt.Sprintf("return %s(JSON.parse([===[%s]===]))", handle, raw)

	if !k.execMu.TryLock() {
		return nil, fmt.Errorf("engine busy, callback %q deferred", handle)
	}
	defer k.execMu.Unlock()

	res, err := k.eng.Execute(ctx, code)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.Value, nil
}

// invokeScriptHook adapts invokeScript to the hook contract: the callback
// returns a table naming the action, anything else means continue.
func (k *Kernel) invokeScriptHook(ctx context.Context, handle string, hctx *hooks.HookContext) (hooks.Result, error) {
	payload := map[string]interface{}{
		"point":          string(hctx.Point),
		"correlation_id": hctx.CorrelationID,
		"language":       hctx.Language,
		"data":           hctx.Data,
		"value":          hctx.Value,
	}
	out, err := k.invokeScript(ctx, handle, payload)
	if err != nil {
		return hooks.Result{}, err
	}
	m, ok := out.(map[string]interface{})
	if !ok {
		return hooks.Result{Kind: hooks.KindContinue}, nil
	}
	action, _ := m["action"].(string)
	switch action {
	case "stop":
		reason, _ := m["reason"].(string)
		return hooks.Result{Kind: hooks.KindStop, Reason: reason}, nil
	case "replace":
		return hooks.Result{Kind: hooks.KindReplace, Value: m["value"]}, nil
	case "cancel_request":
		reason, _ := m["reason"].(string)
		return hooks.Result{Kind: hooks.KindCancel, Reason: reason}, nil
	default:
		return hooks.Result{Kind: hooks.KindContinue}, nil
	}
}
