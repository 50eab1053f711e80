// Package kernel owns the message loop: it binds the transport, decodes and
// dispatches requests, drives the script engine, and broadcasts execution
// state over iopub. One goroutine reads every channel; executions run on a
// worker goroutine so control messages keep flowing while a script runs.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"llmspell/internal/agents"
	"llmspell/internal/bridge"
	"llmspell/internal/config"
	"llmspell/internal/debug"
	"llmspell/internal/engine"
	"llmspell/internal/events"
	"llmspell/internal/globals"
	"llmspell/internal/hooks"
	"llmspell/internal/logging"
	"llmspell/internal/memory"
	"llmspell/internal/protocol"
	"llmspell/internal/router"
	"llmspell/internal/sessions"
	"llmspell/internal/state"
	"llmspell/internal/transport"
)

// Implementation identifies this kernel in kernel_info_reply.
const (
	Implementation        = "rs-llmspell"
	ImplementationVersion = "0.9.0"
)

// ExecState is the kernel execution state machine.
type ExecState int32

const (
	StateStarting ExecState = iota
	StateIdle
	StateBusy
	StateDebugging
	StateStopping
	StateStopped
)

func (s ExecState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDebugging:
		return "debugging"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Kernel ties every subsystem together behind the wire protocol.
type Kernel struct {
	cfg  *config.Config
	log  *zap.Logger
	wire *protocol.Wire
	tr   transport.Transport
	info *protocol.ConnectionInfo

	session string // kernel-side session id for broadcasts

	stateMgr  *state.Manager
	backups   *state.BackupManager
	bus       *events.Bus
	hookReg   *hooks.Registry
	hookExec  *hooks.Executor
	replayLog *hooks.ReplayLog
	runtime   *bridge.Runtime
	io        *router.IORouter
	sessMgr   *sessions.Manager
	memStore  memory.Store
	debugger  *debug.Controller
	reloader  *debug.Reloader

	providers *agents.ProviderRegistry
	tools     *agents.ToolRegistry
	agentReg  *agents.Registry
	workflows *agents.WorkflowRegistry

	engines         *engine.Registry
	globals         *globals.Registry
	eng             engine.Engine
	streamingGlobal *globals.StreamingGlobal

	execState    atomic.Int32
	execCount    atomic.Int64
	execMu       sync.Mutex // serializes engine use
	currentToken atomic.Pointer[bridge.Token]
	busyDone     atomic.Pointer[chan struct{}]

	comms   map[string]string // comm_id -> target
	commsMu sync.Mutex

	connectionPath string

	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

// Option adjusts kernel construction.
type Option func(*Kernel)

// WithTransport substitutes the transport, e.g. the in-process loopback.
func WithTransport(tr transport.Transport) Option {
	return func(k *Kernel) { k.tr = tr }
}

// WithProvider registers an LLM provider before startup.
func WithProvider(p agents.Provider) Option {
	return func(k *Kernel) { k.providers.Register(p) }
}

// New assembles a kernel from configuration. Nothing is bound yet; Run does
// the binding.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	log := logging.New("kernel")

	info, err := protocol.NewConnectionInfo(cfg.Kernel.IP, cfg.Kernel.BasePort, cfg.Kernel.Name)
	if err != nil {
		return nil, err
	}

	var backend state.Backend
	switch cfg.State.Backend {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
			return nil, fmt.Errorf("kernel: state dir: %w", err)
		}
		backend, err = state.NewSQLiteBackend(cfg.State.Path)
		if err != nil {
			return nil, err
		}
	default:
		backend = state.NewMemoryBackend()
	}
	stateMgr := state.NewManager(backend, cfg.State.FastPath)

	backups := state.NewBackupManager(cfg.State.BackupDir, state.RetentionPolicy{
		MaxCount: cfg.State.Retention.MaxCount,
		MaxAge:   cfg.State.Retention.MaxAge,
	})

	bus := events.NewBus()
	hookReg := hooks.NewRegistry()
	for _, feature := range cfg.Hooks.Features {
		hookReg.SetFeature(feature, cfg.Hooks.Enabled)
	}

	var replayLog *hooks.ReplayLog
	durable := make([]hooks.Point, 0, len(cfg.Hooks.DurablePoints))
	for _, p := range cfg.Hooks.DurablePoints {
		durable = append(durable, hooks.Point(p))
	}
	if cfg.Hooks.Enabled && cfg.Hooks.ReplayPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Hooks.ReplayPath), 0o755); err != nil {
			return nil, fmt.Errorf("kernel: replay dir: %w", err)
		}
		replayLog, err = hooks.NewReplayLog(cfg.Hooks.ReplayPath)
		if err != nil {
			return nil, err
		}
	}
	hookExec := hooks.NewExecutor(hookReg, replayLog, durable)

	artifacts, err := sessions.NewArtifactStore(cfg.Sessions.BlobDir, cfg.Sessions.ArtifactThreshold)
	if err != nil {
		return nil, err
	}
	sessMgr := sessions.NewManager(stateMgr, artifacts, hookExec, bus, cfg.Sessions.SnapshotInterval)

	runtime := bridge.NewRuntime(bridge.DefaultWorkers)

	providers := agents.NewProviderRegistry()
	tools := agents.NewToolRegistry(hookExec, bus)
	agentReg := agents.NewRegistry(providers, tools, stateMgr, hookExec, bus)
	workflows := agents.NewWorkflowRegistry(agentReg, tools, hookExec, bus)

	engines := engine.NewRegistry()
	engines.Register("lua", engine.NewLuaEngine)
	engines.Register("go", engine.NewGoEngine)

	k := &Kernel{
		cfg:       cfg,
		log:       log,
		wire:      protocol.NewWire(info.Key),
		info:      info,
		session:   uuid.NewString(),
		stateMgr:  stateMgr,
		backups:   backups,
		bus:       bus,
		hookReg:   hookReg,
		hookExec:  hookExec,
		replayLog: replayLog,
		runtime:   runtime,
		sessMgr:   sessMgr,
		memStore:  memory.NewInMemoryStore(),
		debugger:  debug.NewController(),
		providers: providers,
		tools:     tools,
		agentReg:  agentReg,
		workflows: workflows,
		engines:   engines,
		globals:   globals.NewRegistry(),
		comms:     make(map[string]string),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	k.execState.Store(int32(StateStarting))
	k.io = router.New(k.sendChild)

	for _, opt := range opts {
		opt(k)
	}
	if k.tr == nil {
		switch cfg.Kernel.Transport {
		case "inproc":
			k.tr = transport.NewInProcTransport()
		default:
			k.tr = transport.NewZMQTransport()
		}
	}

	if err := k.buildEngine(); err != nil {
		return nil, err
	}
	return k, nil
}

// buildEngine instantiates the default engine and injects the globals.
func (k *Kernel) buildEngine() error {
	eng, err := k.engines.New(k.cfg.Engine.Default)
	if err != nil {
		return err
	}

	token := func() *bridge.Token {
		if t := k.currentToken.Load(); t != nil {
			return t
		}
		return bridge.NewToken()
	}

	streaming := globals.NewStreamingGlobal()
	toolGlobal := globals.NewToolGlobal(k.tools)
	hookGlobal := globals.NewHookGlobal(k.hookReg)
	regs := []globals.Global{
		globals.NewJSONGlobal(),
		globals.NewStateGlobal(k.stateMgr),
		globals.NewEventGlobal(k.bus),
		hookGlobal,
		globals.NewReplayGlobal(k.replayLog, k.hookReg),
		globals.NewSessionGlobal(k.sessMgr),
		globals.NewArtifactGlobal(k.sessMgr),
		globals.NewMemoryGlobal(k.memStore),
		globals.NewContextGlobal(),
		globals.NewProviderGlobal(k.providers),
		toolGlobal,
		globals.NewAgentGlobal(k.agentReg, k.runtime, token),
		globals.NewWorkflowGlobal(k.workflows, k.runtime, token),
		streaming,
		globals.NewDebugGlobal(logging.New("script")),
	}
	for _, g := range regs {
		if err := k.globals.Register(g); err != nil {
			return err
		}
	}
	if err := k.globals.InjectAll(eng); err != nil {
		eng.Close()
		return err
	}
	k.eng = eng
	k.streamingGlobal = streaming

	toolGlobal.BindInvoker(func(ctx context.Context, handle string, input map[string]interface{}) (interface{}, error) {
		return k.invokeScript(ctx, handle, input)
	})
	hookGlobal.BindInvoker(k.invokeScriptHook)

	k.debugger.OnPause(func(reason string, frame debug.Frame) {
		k.setState(StateDebugging)
		k.broadcastRaw(protocol.MsgDebugEvent, map[string]interface{}{
			"event":  "stopped",
			"reason": reason,
			"frame": map[string]interface{}{
				"name":   frame.Name,
				"source": frame.Source,
				"line":   frame.Line,
			},
		})
	})
	return nil
}

// State returns the current execution state.
func (k *Kernel) State() ExecState { return ExecState(k.execState.Load()) }

// ConnectionFile returns the path the connection info was published to.
func (k *Kernel) ConnectionFile() string { return k.connectionPath }

// RegisterTool exposes a host tool to scripts and agents.
func (k *Kernel) RegisterTool(t agents.Tool) error { return k.tools.Register(t) }

// publishConnection writes the connection file for client discovery.
func (k *Kernel) publishConnection() error {
	path := k.cfg.Kernel.ConnectionFile
	if path == "" {
		dir, err := protocol.DiscoveryDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, fmt.Sprintf("kernel-%s.json", k.session[:8]))
	}
	if err := k.info.WriteFile(path); err != nil {
		return err
	}
	k.connectionPath = path
	k.log.Info("connection file published", zap.String("path", path))
	return nil
}

// Run binds the transport and serves until Stop or a fatal transport error.
func (k *Kernel) Run() error {
	if err := k.tr.Bind(k.info); err != nil {
		return err
	}
	if err := k.publishConnection(); err != nil {
		k.tr.Close()
		return err
	}

	if k.cfg.Debug.ReloadMaxKiB > 0 && len(k.cfg.Debug.WatchPaths) > 0 {
		reloader, err := debug.NewReloader(k.eng.Load, int64(k.cfg.Debug.ReloadMaxKiB)<<10, logging.New("reload"))
		if err != nil {
			return err
		}
		for _, p := range k.cfg.Debug.WatchPaths {
			if err := reloader.Watch(p); err != nil {
				k.log.Warn("watch failed", zap.String("path", p), zap.Error(err))
			}
		}
		k.reloader = reloader
		go k.applyReloads(reloader.Events())
	}

	k.hookExec.Execute(context.Background(), &hooks.HookContext{Point: hooks.KernelStartup})

	// the one status broadcast without a parent: nothing caused startup
	k.broadcastRaw(protocol.MsgStatus, map[string]interface{}{"execution_state": "starting"})
	k.setState(StateIdle)
	k.log.Info("kernel serving",
		zap.String("transport", k.cfg.Kernel.Transport),
		zap.String("engine", k.eng.Name()))

	defer close(k.loopDone)
	for {
		select {
		case <-k.stop:
			return nil
		default:
		}

		worked := k.pollControl()

		// shell is deferred while an execution runs: requests queue in
		// the socket and keep their order
		if k.State() != StateBusy && k.State() != StateDebugging {
			worked = k.pollShell() || worked
		}
		if !worked {
			time.Sleep(k.cfg.Kernel.PollInterval)
		}
	}
}

// applyReloads executes validated reloaded files so redefinitions take
// effect. Executions share the engine mutex with the message loop.
func (k *Kernel) applyReloads(events <-chan debug.ReloadEvent) {
	for ev := range events {
		if ev.Err != nil {
			k.log.Warn("reload rejected", zap.String("path", ev.Path), zap.Error(ev.Err))
			continue
		}
		k.execMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), k.cfg.Engine.ExecTimeout)
		_, err := k.eng.Execute(ctx, ev.Code)
		cancel()
		k.execMu.Unlock()
		if err != nil {
			k.log.Warn("reload apply failed", zap.String("path", ev.Path), zap.Error(err))
			continue
		}
		k.log.Info("reloaded", zap.String("path", ev.Path))
	}
}

func (k *Kernel) pollControl() bool {
	frames, err := k.tr.Recv(protocol.ChannelControl)
	if err != nil || frames == nil {
		return false
	}
	msg, err := k.wire.Decode(frames)
	if err != nil {
		k.log.Warn("control decode failed", zap.Error(err))
		return true
	}
	k.handleControl(msg)
	return true
}

func (k *Kernel) pollShell() bool {
	frames, err := k.tr.Recv(protocol.ChannelShell)
	if err != nil || frames == nil {
		return false
	}
	msg, err := k.wire.Decode(frames)
	if err != nil {
		k.log.Warn("shell decode failed", zap.Error(err))
		return true
	}
	k.handleShell(msg)
	return true
}

func (k *Kernel) setState(s ExecState) {
	k.execState.Store(int32(s))
}

// send encodes and ships a message on a channel.
func (k *Kernel) send(channel string, msg *protocol.Message) {
	frames, err := k.wire.Encode(msg)
	if err != nil {
		k.log.Error("encode failed", zap.String("type", msg.Header.MsgType), zap.Error(err))
		return
	}
	if err := k.tr.Send(channel, frames); err != nil && !errors.Is(err, transport.ErrTransportClosed) {
		k.log.Warn("send failed", zap.String("channel", channel), zap.Error(err))
	}
}

// sendChild broadcasts a child message on iopub; this is the SendFunc the IO
// router emits streams through.
func (k *Kernel) sendChild(parent *protocol.Message, msgType string, content map[string]interface{}) {
	k.send(protocol.ChannelIOPub, protocol.NewChild(parent, msgType, content))
}

// broadcastRaw emits an iopub message with no parent.
func (k *Kernel) broadcastRaw(msgType string, content map[string]interface{}) {
	msg := &protocol.Message{
		Header:   protocol.NewHeader(k.session, msgType),
		Metadata: map[string]interface{}{},
		Content:  content,
	}
	k.send(protocol.ChannelIOPub, msg)
}

func (k *Kernel) status(parent *protocol.Message, execState string) {
	k.sendChild(parent, protocol.MsgStatus, map[string]interface{}{"execution_state": execState})
}

func (k *Kernel) reply(channel string, parent *protocol.Message, content map[string]interface{}) {
	k.send(channel, protocol.NewChild(parent, protocol.ReplyType(parent.Header.MsgType), content))
}

// errorReply sends a failed reply, tagging untyped errors with fallback.
func (k *Kernel) errorReply(channel string, parent *protocol.Message, err error, fallback protocol.ErrorKind) {
	k.reply(channel, parent, protocol.AsKernelError(err, fallback).ErrorContent())
}

// Stop shuts the kernel down: stop accepting, drain the running execution,
// persist sessions and state, then tear the stack down. Each phase gets the
// configured deadline.
func (k *Kernel) Stop() error {
	var firstErr error
	k.stopOnce.Do(func() {
		k.setState(StateStopping)
		close(k.stop)
		<-k.loopDone

		phase := k.cfg.Kernel.ShutdownPhase
		if phase <= 0 {
			phase = 5 * time.Second
		}

		// drain: whatever is executing gets one grace period
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), phase)
		drained := make(chan struct{})
		go func() {
			k.execMu.Lock()
			defer k.execMu.Unlock()
			close(drained)
		}()
		select {
		case <-drained:
		case <-drainCtx.Done():
			if t := k.currentToken.Load(); t != nil {
				t.Fire()
			}
		}
		cancelDrain()

		// persist: sessions and a final state backup, in parallel
		persistCtx, cancelPersist := context.WithTimeout(context.Background(), phase)
		g, gctx := errgroup.WithContext(persistCtx)
		g.Go(func() error { return k.sessMgr.Close(gctx) })
		g.Go(func() error {
			_, err := k.backups.Create(gctx, k.stateMgr)
			return err
		})
		if err := g.Wait(); err != nil {
			firstErr = err
			k.log.Warn("persist phase incomplete", zap.Error(err))
		}
		cancelPersist()

		k.hookExec.Execute(context.Background(), &hooks.HookContext{Point: hooks.KernelShutdown})

		// teardown
		if k.reloader != nil {
			k.reloader.Close()
		}
		k.eng.Close()
		k.runtime.Shutdown()
		k.bus.Close()
		if k.replayLog != nil {
			k.replayLog.Close()
		}
		if err := k.stateMgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := k.tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if k.connectionPath != "" {
			os.Remove(k.connectionPath)
		}
		k.setState(StateStopped)
		k.log.Info("kernel stopped")
	})
	return firstErr
}
