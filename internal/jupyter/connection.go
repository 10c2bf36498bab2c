package jupyter

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	TransportTCP = "tcp"
	TransportIPC = "ipc"

	DefaultSignatureScheme = "hmac-sha256"
)

// ConnectionInfo is the connection-file shape written by a kernel launcher.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// LoadConnectionFile reads and validates a kernel connection file.
func LoadConnectionFile(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("connection file load failed (%s): %w", path, err)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("connection file parse failed (%s): %w", path, err)
	}
	info = info.WithDefaults()
	if err := info.Validate(); err != nil {
		return ConnectionInfo{}, err
	}
	return info, nil
}

// WithDefaults fills transport and signature scheme when a launcher omitted them.
func (c ConnectionInfo) WithDefaults() ConnectionInfo {
	if strings.TrimSpace(c.Transport) == "" {
		c.Transport = TransportTCP
	}
	if strings.TrimSpace(c.SignatureScheme) == "" {
		c.SignatureScheme = DefaultSignatureScheme
	}
	return c
}

func (c ConnectionInfo) Validate() error {
	if strings.TrimSpace(c.IP) == "" {
		return fmt.Errorf("%w: missing ip", ErrInvalidConnection)
	}
	switch c.Transport {
	case TransportTCP, TransportIPC:
	default:
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidConnection, c.Transport)
	}
	ports := []struct {
		name string
		port int
	}{
		{"shell_port", c.ShellPort},
		{"iopub_port", c.IOPubPort},
		{"stdin_port", c.StdinPort},
		{"control_port", c.ControlPort},
		{"hb_port", c.HBPort},
	}
	for _, p := range ports {
		if p.port <= 0 || p.port > 65535 {
			return fmt.Errorf("%w: %s out of range: %d", ErrInvalidConnection, p.name, p.port)
		}
	}
	return nil
}

func (c ConnectionInfo) Port(ch Channel) int {
	switch ch {
	case ChannelShell:
		return c.ShellPort
	case ChannelIOPub:
		return c.IOPubPort
	case ChannelStdin:
		return c.StdinPort
	case ChannelControl:
		return c.ControlPort
	case ChannelHeartbeat:
		return c.HBPort
	default:
		return 0
	}
}

// Endpoint returns the socket address for ch, e.g. tcp://127.0.0.1:5555.
// ipc transports follow the jupyter_client convention of <ip>-<port>.
func (c ConnectionInfo) Endpoint(ch Channel) string {
	if c.Transport == TransportIPC {
		return fmt.Sprintf("ipc://%s-%d", c.IP, c.Port(ch))
	}
	return fmt.Sprintf("%s://%s:%d", TransportTCP, c.IP, c.Port(ch))
}
