package jupyter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
)

func TestLoadConnectionFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "kernel-1.json")
	body := `{"ip":"127.0.0.1","shell_port":5001,"iopub_port":5002,"stdin_port":5003,` +
		`"control_port":5004,"hb_port":5005,"key":"secret","kernel_name":"python3"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write connection file: %v", err)
	}

	info, err := LoadConnectionFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if info.Transport != TransportTCP || info.SignatureScheme != DefaultSignatureScheme {
		t.Fatalf("defaults not applied: %+v", info)
	}
	if got := info.Endpoint(ChannelIOPub); got != "tcp://127.0.0.1:5002" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := info.Endpoint(ChannelHeartbeat); got != "tcp://127.0.0.1:5005" {
		t.Fatalf("unexpected hb endpoint %q", got)
	}
}

func TestConnectionInfoIPCEndpoint(t *testing.T) {
	testlog.Start(t)
	info := ConnectionInfo{IP: "/tmp/kernel", Transport: TransportIPC, ShellPort: 1}
	if got := info.Endpoint(ChannelShell); got != "ipc:///tmp/kernel-1" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestConnectionInfoValidate(t *testing.T) {
	testlog.Start(t)
	info := ConnectionInfo{IP: "127.0.0.1", ShellPort: 1, IOPubPort: 2, StdinPort: 3, ControlPort: 4}.WithDefaults()
	if err := info.Validate(); !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected ErrInvalidConnection for missing hb_port, got %v", err)
	}
	info.HBPort = 5
	if err := info.Validate(); err != nil {
		t.Fatalf("expected valid info, got %v", err)
	}
	info.Transport = "udp"
	if err := info.Validate(); !errors.Is(err, ErrInvalidConnection) {
		t.Fatalf("expected ErrInvalidConnection for transport, got %v", err)
	}
}
