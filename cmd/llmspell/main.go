package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"llmspell/internal/config"
	"llmspell/internal/kernel"
	"llmspell/internal/logging"
	"llmspell/internal/protocol"
	"llmspell/internal/transport"
)

var (
	// Global flags
	configPath string
	verbose    bool

	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "llmspell",
	Short: "llmspell - scriptable multi-agent runtime kernel",
	Long: `llmspell runs LLM agents, tools and workflows from Lua or Go scripts.

The kernel speaks the Jupyter wire protocol over ZeroMQ, so any Jupyter
client can connect: execute scripts, stream output, interrupt long runs,
and drive the interactive debugger. Scripts see a set of injected globals
(Agent, Tool, Workflow, State, Session, Event, Hook, ...) backed by
persistent scoped state in SQLite.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"
		if verbose {
			level = "debug"
		}
		if err := logging.Configure(level, false); err != nil {
			return err
		}
		logger = logging.New("cli")
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// startCmd runs the kernel in the foreground
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kernel and serve until interrupted",
	Long: `Starts the kernel, binds the five protocol channels, and publishes a
connection file so clients can discover the ports and signing key.

The kernel shuts down cleanly on SIGINT/SIGTERM: in-flight executions get
a grace period, sessions are persisted, and a final state backup is taken.`,
	RunE: runStart,
}

// execCmd runs one script through an embedded kernel
var execCmd = &cobra.Command{
	Use:   "exec [script-file]",
	Short: "Execute a script file through an embedded kernel",
	Long: `Runs a single script with the full runtime (state, sessions, agents,
hooks) over an in-process transport, printing script output to stdout.
Useful for batch runs and CI where no long-lived kernel is wanted.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

// validateCmd checks a configuration file
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s: configuration ok (engine=%s state=%s transport=%s)\n",
			configPath, cfg.Engine.Default, cfg.State.Backend, cfg.Kernel.Transport)
		return nil
	},
}

// initCmd scaffolds a working directory
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and create runtime directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg := config.Default()
		if err := cfg.WriteFile(configPath); err != nil {
			return err
		}
		for _, dir := range []string{".llmspell", cfg.State.BackupDir, cfg.Sessions.BlobDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

// infoCmd prints kernel identity and the discovery location
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print kernel identity and discovery directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := protocol.DiscoveryDir()
		if err != nil {
			return err
		}
		fmt.Printf("implementation: %s %s\n", kernel.Implementation, kernel.ImplementationVersion)
		fmt.Printf("protocol:       %s\n", protocol.ProtocolVersion)
		fmt.Printf("discovery dir:  %s\n", dir)
		return nil
	},
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Configure(cfg.Logging.Level, cfg.Logging.Development); err != nil {
		return err
	}

	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("shutting down", zap.String("signal", sig.String()))
		k.Stop()
	}()

	return k.Run()
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Kernel.Transport = "inproc"
	tmp, err := os.CreateTemp("", "llmspell-conn-*.json")
	if err != nil {
		return err
	}
	tmp.Close()
	cfg.Kernel.ConnectionFile = tmp.Name()

	tr := transport.NewInProcTransport()
	k, err := kernel.New(cfg, kernel.WithTransport(tr))
	if err != nil {
		return err
	}
	client := tr.Client()

	errCh := make(chan error, 1)
	go func() { errCh <- k.Run() }()
	defer k.Stop()

	for k.State() != kernel.StateIdle {
		select {
		case err := <-errCh:
			return err
		default:
			time.Sleep(time.Millisecond)
		}
	}

	info, err := protocol.ReadConnectionFile(k.ConnectionFile())
	if err != nil {
		return err
	}
	wire := protocol.NewWire(info.Key)

	req := protocol.NewRequest("llmspell-exec", protocol.MsgExecuteRequest,
		map[string]interface{}{"code": string(code)})
	frames, err := wire.Encode(req)
	if err != nil {
		return err
	}
	if err := client.Send(protocol.ChannelShell, frames); err != nil {
		return err
	}

	// print streams until the execution goes idle, then check the reply
	for {
		frames, ok := client.TryRecv(protocol.ChannelIOPub)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		msg, err := wire.Decode(frames)
		if err != nil {
			return err
		}
		if msg.ParentID() != req.Header.MsgID {
			continue
		}
		switch msg.Header.MsgType {
		case protocol.MsgStream:
			text, _ := msg.Content["text"].(string)
			if msg.Content["name"] == "stderr" {
				fmt.Fprint(os.Stderr, text)
			} else {
				fmt.Print(text)
			}
		case protocol.MsgExecuteResult:
			if data, ok := msg.Content["data"].(map[string]interface{}); ok {
				fmt.Println(data["text/plain"])
			}
		case protocol.MsgError:
			fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Content["ename"], msg.Content["evalue"])
		case protocol.MsgStatus:
			if msg.Content["execution_state"] == "idle" {
				goto done
			}
		}
	}
done:
	replyFrames, ok := client.Recv(protocol.ChannelShell)
	if !ok {
		return fmt.Errorf("kernel closed before replying")
	}
	reply, err := wire.Decode(replyFrames)
	if err != nil {
		return err
	}
	if status, _ := reply.Content["status"].(string); status != "ok" {
		return fmt.Errorf("execution failed: %v", reply.Content["evalue"])
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "llmspell.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(startCmd, execCmd, validateCmd, initCmd, infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
