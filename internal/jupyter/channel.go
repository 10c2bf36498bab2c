package jupyter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel names one logical sub-connection of a kernel session.
type Channel string

const (
	ChannelShell     Channel = "shell"
	ChannelIOPub     Channel = "iopub"
	ChannelStdin     Channel = "stdin"
	ChannelControl   Channel = "control"
	ChannelHeartbeat Channel = "heartbeat"
)

// ActiveChannels are the channels a router reads from, in a stable order.
var ActiveChannels = []Channel{ChannelShell, ChannelIOPub, ChannelStdin, ChannelControl}

func ParseChannel(raw string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "shell":
		return ChannelShell, nil
	case "iopub":
		return ChannelIOPub, nil
	case "stdin":
		return ChannelStdin, nil
	case "control":
		return ChannelControl, nil
	case "heartbeat", "hb":
		return ChannelHeartbeat, nil
	default:
		return "", fmt.Errorf("%w: unknown channel %q", ErrSerialization, raw)
	}
}

// Sendable reports whether the host may originate messages on c.
func (c Channel) Sendable() bool {
	switch c {
	case ChannelShell, ChannelStdin, ChannelControl:
		return true
	default:
		return false
	}
}

func (c Channel) String() string {
	return string(c)
}

func (c *Channel) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: channel: %v", ErrSerialization, err)
	}
	parsed, err := ParseChannel(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
