package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConnectionInfo is the Jupyter connection descriptor. It is written as a
// JSON file under the discovery directory so clients can find a running
// kernel and verify message signatures.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HeartbeatPort   int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name"`
}

// NewConnectionInfo builds a descriptor with a freshly generated signing key.
// basePort assigns the five channel ports consecutively.
func NewConnectionInfo(ip string, basePort int, kernelName string) (*ConnectionInfo, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &ConnectionInfo{
		Transport:       "tcp",
		IP:              ip,
		ShellPort:       basePort,
		IOPubPort:       basePort + 1,
		StdinPort:       basePort + 2,
		ControlPort:     basePort + 3,
		HeartbeatPort:   basePort + 4,
		SignatureScheme: "hmac-sha256",
		Key:             hex.EncodeToString(raw),
		KernelName:      kernelName,
	}, nil
}

// Port returns the port bound for the named channel.
func (c *ConnectionInfo) Port(channel string) (int, error) {
	switch channel {
	case ChannelShell:
		return c.ShellPort, nil
	case ChannelIOPub:
		return c.IOPubPort, nil
	case ChannelStdin:
		return c.StdinPort, nil
	case ChannelControl:
		return c.ControlPort, nil
	case ChannelHeartbeat:
		return c.HeartbeatPort, nil
	}
	return 0, fmt.Errorf("unknown channel %q", channel)
}

// DiscoveryDir returns the well-known directory connection files are
// published in. Overridable via LLMSPELL_RUNTIME_DIR.
func DiscoveryDir() (string, error) {
	if dir := os.Getenv("LLMSPELL_RUNTIME_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".llmspell", "kernels"), nil
}

// WriteFile publishes the descriptor at path. The write is atomic: a temp
// file in the same directory is renamed over the target so a concurrently
// connecting client never reads a partial descriptor.
func (c *ConnectionInfo) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create discovery dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection info: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".conn-*")
	if err != nil {
		return fmt.Errorf("create temp connection file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write connection file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close connection file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod connection file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadConnectionFile loads and validates a descriptor.
func ReadConnectionFile(path string) (*ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection file: %w", err)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse connection file: %w", err)
	}
	if info.SignatureScheme != "" && info.SignatureScheme != "hmac-sha256" {
		return nil, fmt.Errorf("unsupported signature scheme %q", info.SignatureScheme)
	}
	return &info, nil
}
