package jupyter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const ProtocolVersion = "5.3"

// Header identifies one kernel protocol message.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is the envelope carried on the sidecar pipes and, after framing, on kernel sockets.
//
// Channel is nil for messages that have not been routed yet. The host must set it on
// outbound messages; the router stamps it on inbound ones.
//
// Content is the typed view used to validate the body. RawContent holds the body exactly
// as it arrived and, when set, is what gets encoded.
type Message struct {
	Header       Header
	ParentHeader *Header
	Metadata     json.RawMessage
	Content      Content
	RawContent   json.RawMessage
	Buffers      [][]byte
	Channel      *Channel
}

// NewMessage builds a message with a fresh header for session.
func NewMessage(content Content, session string) *Message {
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Username: "kernelbridge",
			Session:  session,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  content.MessageType(),
			Version:  ProtocolVersion,
		},
		Content: content,
	}
}

// WithChannel returns a shallow copy of m tagged with ch.
func (m *Message) WithChannel(ch Channel) *Message {
	out := *m
	out.Channel = &ch
	return &out
}

func (m *Message) MsgType() string {
	return m.Header.MsgType
}

// MarshalJSON writes the envelope by hand so raw content keeps its key order,
// unknown fields and escaping. Only line breaks between tokens are compacted.
func (m Message) MarshalJSON() ([]byte, error) {
	parent, err := m.ParentHeaderJSON()
	if err != nil {
		return nil, err
	}
	content, err := m.ContentJSON()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"header":`)
	if err := writeValue(&buf, m.Header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrSerialization, err)
	}
	buf.WriteString(`,"parent_header":`)
	buf.Write(parent)
	buf.WriteString(`,"metadata":`)
	if err := writeRaw(&buf, m.MetadataJSON()); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrSerialization, err)
	}
	buf.WriteString(`,"content":`)
	if err := writeRaw(&buf, content); err != nil {
		return nil, fmt.Errorf("%w: content %s: %v", ErrSerialization, m.Header.MsgType, err)
	}
	if len(m.Buffers) > 0 {
		buf.WriteString(`,"buffers":`)
		if err := writeValue(&buf, m.Buffers); err != nil {
			return nil, fmt.Errorf("%w: buffers: %v", ErrSerialization, err)
		}
	}
	if m.Channel != nil {
		buf.WriteString(`,"channel":`)
		if err := writeValue(&buf, string(*m.Channel)); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// writeRaw copies raw verbatim unless it spans lines, which would break line framing.
func writeRaw(buf *bytes.Buffer, raw []byte) error {
	if !bytes.ContainsAny(raw, "\r\n") {
		buf.Write(raw)
		return nil
	}
	return json.Compact(buf, raw)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("%w: envelope: %v", ErrSerialization, err)
	}

	rawHeader, ok := fields["header"]
	if !ok || isNull(rawHeader) {
		return fmt.Errorf("%w: %w", ErrSerialization, ErrMissingHeader)
	}
	var header Header
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return fmt.Errorf("%w: header: %v", ErrSerialization, err)
	}

	parent, err := DecodeParentHeader(fields["parent_header"])
	if err != nil {
		return err
	}

	var buffers [][]byte
	if raw, ok := fields["buffers"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &buffers); err != nil {
			return fmt.Errorf("%w: buffers: %v", ErrSerialization, err)
		}
	}

	var channel *Channel
	if raw, ok := fields["channel"]; ok && !isNull(raw) {
		var ch Channel
		if err := json.Unmarshal(raw, &ch); err != nil {
			return err
		}
		channel = &ch
	}

	// content shape depends on msg_type, so it is re-read from the raw envelope
	rawContent, ok := fields["content"]
	if !ok {
		return ErrMissingContent
	}
	content, err := ParseContent(header.MsgType, rawContent)
	if err != nil {
		return err
	}

	*m = Message{
		Header:       header,
		ParentHeader: parent,
		Metadata:     normalizeObject(fields["metadata"]),
		Content:      content,
		RawContent:   append(json.RawMessage(nil), bytes.TrimSpace(rawContent)...),
		Buffers:      buffers,
		Channel:      channel,
	}
	return nil
}

// ParentHeaderJSON renders the parent header, using {} when there is none.
func (m *Message) ParentHeaderJSON() ([]byte, error) {
	if m.ParentHeader == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.ParentHeader)
}

// MetadataJSON renders metadata, using {} when unset.
func (m *Message) MetadataJSON() []byte {
	return normalizeObject(m.Metadata)
}

// ContentJSON renders content: the received bytes when present, otherwise the typed
// content, otherwise {}.
func (m *Message) ContentJSON() ([]byte, error) {
	if len(m.RawContent) > 0 {
		return m.RawContent, nil
	}
	if m.Content == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: content %s: %v", ErrSerialization, m.Header.MsgType, err)
	}
	return b, nil
}

// DecodeParentHeader treats an absent, null, or empty-object parent header as none.
func DecodeParentHeader(raw []byte) (*Header, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) || bytes.Equal(compact(trimmed), []byte("{}")) {
		return nil, nil
	}
	var parent Header
	if err := json.Unmarshal(trimmed, &parent); err != nil {
		return nil, fmt.Errorf("%w: parent_header: %v", ErrSerialization, err)
	}
	return &parent, nil
}

// DecodeEnvelope parses one sidecar line into a message with type-directed content.
func DecodeEnvelope(line []byte) (*Message, error) {
	var msg Message
	if err := msg.UnmarshalJSON(bytes.TrimSpace(line)); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeEnvelope renders msg as one newline-terminated JSON line.
func EncodeEnvelope(msg *Message) ([]byte, error) {
	b, err := msg.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func normalizeObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
