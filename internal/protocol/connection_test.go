package protocol

import (
	"path/filepath"
	"testing"
)

func TestConnectionFileRoundTrip(t *testing.T) {
	info, err := NewConnectionInfo("127.0.0.1", 9500, "llmspell")
	if err != nil {
		t.Fatalf("NewConnectionInfo failed: %v", err)
	}
	if info.Key == "" {
		t.Fatal("expected generated key")
	}
	if info.HeartbeatPort != 9504 {
		t.Errorf("hb_port = %d, want consecutive assignment", info.HeartbeatPort)
	}

	path := filepath.Join(t.TempDir(), "kernel-abc.json")
	if err := info.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := ReadConnectionFile(path)
	if err != nil {
		t.Fatalf("ReadConnectionFile failed: %v", err)
	}
	if *loaded != *info {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", loaded, info)
	}
}

func TestConnectionPortLookup(t *testing.T) {
	info, _ := NewConnectionInfo("127.0.0.1", 7000, "llmspell")
	tests := []struct {
		channel string
		want    int
	}{
		{ChannelShell, 7000},
		{ChannelIOPub, 7001},
		{ChannelStdin, 7002},
		{ChannelControl, 7003},
		{ChannelHeartbeat, 7004},
	}
	for _, tt := range tests {
		got, err := info.Port(tt.channel)
		if err != nil {
			t.Errorf("Port(%q) error: %v", tt.channel, err)
		}
		if got != tt.want {
			t.Errorf("Port(%q) = %d, want %d", tt.channel, got, tt.want)
		}
	}
	if _, err := info.Port("telemetry"); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestReadConnectionFileRejectsBadScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.json")
	info, _ := NewConnectionInfo("127.0.0.1", 7000, "llmspell")
	info.SignatureScheme = "hmac-md5"
	if err := info.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := ReadConnectionFile(path); err == nil {
		t.Error("expected rejection of unsupported signature scheme")
	}
}
