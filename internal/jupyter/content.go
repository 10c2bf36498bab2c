package jupyter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Content is the msg_type specific body of a message.
type Content interface {
	MessageType() string
}

// MimeBundle maps mime types to raw JSON values.
type MimeBundle map[string]json.RawMessage

// UnknownContent carries a message type this package has no shape for.
type UnknownContent struct {
	Type string
	Raw  json.RawMessage
}

func (c UnknownContent) MessageType() string { return c.Type }

func (c UnknownContent) MarshalJSON() ([]byte, error) {
	if len(c.Raw) == 0 {
		return []byte("{}"), nil
	}
	return c.Raw, nil
}

var contentTypes = map[string]func() Content{
	"execute_request":     func() Content { return &ExecuteRequest{} },
	"execute_reply":       func() Content { return &ExecuteReply{} },
	"inspect_request":     func() Content { return &InspectRequest{} },
	"inspect_reply":       func() Content { return &InspectReply{} },
	"complete_request":    func() Content { return &CompleteRequest{} },
	"complete_reply":      func() Content { return &CompleteReply{} },
	"history_request":     func() Content { return &HistoryRequest{} },
	"history_reply":       func() Content { return &HistoryReply{} },
	"is_complete_request": func() Content { return &IsCompleteRequest{} },
	"is_complete_reply":   func() Content { return &IsCompleteReply{} },
	"kernel_info_request": func() Content { return &KernelInfoRequest{} },
	"kernel_info_reply":   func() Content { return &KernelInfoReply{} },
	"comm_info_request":   func() Content { return &CommInfoRequest{} },
	"comm_info_reply":     func() Content { return &CommInfoReply{} },
	"comm_open":           func() Content { return &CommOpen{} },
	"comm_msg":            func() Content { return &CommMsg{} },
	"comm_close":          func() Content { return &CommClose{} },
	"shutdown_request":    func() Content { return &ShutdownRequest{} },
	"shutdown_reply":      func() Content { return &ShutdownReply{} },
	"interrupt_request":   func() Content { return &InterruptRequest{} },
	"interrupt_reply":     func() Content { return &InterruptReply{} },
	"debug_request":       func() Content { return &DebugRequest{} },
	"debug_reply":         func() Content { return &DebugReply{} },
	"stream":              func() Content { return &Stream{} },
	"display_data":        func() Content { return &DisplayData{} },
	"update_display_data": func() Content { return &UpdateDisplayData{} },
	"execute_input":       func() Content { return &ExecuteInput{} },
	"execute_result":      func() Content { return &ExecuteResult{} },
	"error":               func() Content { return &ErrorContent{} },
	"status":              func() Content { return &Status{} },
	"clear_output":        func() Content { return &ClearOutput{} },
	"input_request":       func() Content { return &InputRequest{} },
	"input_reply":         func() Content { return &InputReply{} },
}

// KnownMessageTypes lists every msg_type with a dedicated content shape.
func KnownMessageTypes() []string {
	out := make([]string, 0, len(contentTypes))
	for k := range contentTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseContent decodes raw according to msgType.
// Unknown types must still be JSON objects and are kept verbatim.
func ParseContent(msgType string, raw json.RawMessage) (Content, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return nil, fmt.Errorf("%w: content for %q is null", ErrSerialization, msgType)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: content for %q is not an object", ErrSerialization, msgType)
	}

	factory, ok := contentTypes[msgType]
	if !ok {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: content for %q is not valid json", ErrSerialization, msgType)
		}
		return UnknownContent{Type: msgType, Raw: append(json.RawMessage(nil), trimmed...)}, nil
	}
	content := factory()
	if err := json.Unmarshal(trimmed, content); err != nil {
		return nil, fmt.Errorf("%w: content for %q: %v", ErrSerialization, msgType, err)
	}
	return content, nil
}

// shell

type ExecuteRequest struct {
	Code            string                     `json:"code"`
	Silent          bool                       `json:"silent"`
	StoreHistory    bool                       `json:"store_history"`
	UserExpressions map[string]json.RawMessage `json:"user_expressions"`
	AllowStdin      bool                       `json:"allow_stdin"`
	StopOnError     bool                       `json:"stop_on_error"`
}

func (*ExecuteRequest) MessageType() string { return "execute_request" }

// ReplyError holds the error fields every *_reply carries when status is "error".
type ReplyError struct {
	Ename     string   `json:"ename,omitempty"`
	Evalue    string   `json:"evalue,omitempty"`
	Traceback []string `json:"traceback,omitempty"`
}

type ExecuteReply struct {
	Status          string                     `json:"status"`
	ExecutionCount  int                        `json:"execution_count"`
	Payload         []json.RawMessage          `json:"payload,omitempty"`
	UserExpressions map[string]json.RawMessage `json:"user_expressions,omitempty"`
	ReplyError
}

func (*ExecuteReply) MessageType() string { return "execute_reply" }

type InspectRequest struct {
	Code        string `json:"code"`
	CursorPos   int    `json:"cursor_pos"`
	DetailLevel int    `json:"detail_level"`
}

func (*InspectRequest) MessageType() string { return "inspect_request" }

type InspectReply struct {
	Status   string     `json:"status"`
	Found    bool       `json:"found"`
	Data     MimeBundle `json:"data"`
	Metadata MimeBundle `json:"metadata"`
	ReplyError
}

func (*InspectReply) MessageType() string { return "inspect_reply" }

type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

func (*CompleteRequest) MessageType() string { return "complete_request" }

type CompleteReply struct {
	Status      string                     `json:"status"`
	Matches     []string                   `json:"matches"`
	CursorStart int                        `json:"cursor_start"`
	CursorEnd   int                        `json:"cursor_end"`
	Metadata    map[string]json.RawMessage `json:"metadata"`
	ReplyError
}

func (*CompleteReply) MessageType() string { return "complete_reply" }

type HistoryRequest struct {
	Output         bool   `json:"output"`
	Raw            bool   `json:"raw"`
	HistAccessType string `json:"hist_access_type"`
	Session        int    `json:"session,omitempty"`
	Start          int    `json:"start,omitempty"`
	Stop           int    `json:"stop,omitempty"`
	N              int    `json:"n,omitempty"`
	Pattern        string `json:"pattern,omitempty"`
	Unique         bool   `json:"unique,omitempty"`
}

func (*HistoryRequest) MessageType() string { return "history_request" }

type HistoryReply struct {
	Status  string            `json:"status"`
	History []json.RawMessage `json:"history"`
	ReplyError
}

func (*HistoryReply) MessageType() string { return "history_reply" }

type IsCompleteRequest struct {
	Code string `json:"code"`
}

func (*IsCompleteRequest) MessageType() string { return "is_complete_request" }

type IsCompleteReply struct {
	Status string `json:"status"`
	Indent string `json:"indent,omitempty"`
}

func (*IsCompleteReply) MessageType() string { return "is_complete_reply" }

type KernelInfoRequest struct{}

func (*KernelInfoRequest) MessageType() string { return "kernel_info_request" }

type LanguageInfo struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	MimeType          string          `json:"mimetype,omitempty"`
	FileExtension     string          `json:"file_extension,omitempty"`
	PygmentsLexer     string          `json:"pygments_lexer,omitempty"`
	CodemirrorMode    json.RawMessage `json:"codemirror_mode,omitempty"`
	NbconvertExporter string          `json:"nbconvert_exporter,omitempty"`
}

type HelpLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type KernelInfoReply struct {
	Status                string       `json:"status"`
	ProtocolVersion       string       `json:"protocol_version"`
	Implementation        string       `json:"implementation"`
	ImplementationVersion string       `json:"implementation_version"`
	LanguageInfo          LanguageInfo `json:"language_info"`
	Banner                string       `json:"banner"`
	HelpLinks             []HelpLink   `json:"help_links,omitempty"`
	Debugger              bool         `json:"debugger,omitempty"`
	ReplyError
}

func (*KernelInfoReply) MessageType() string { return "kernel_info_reply" }

type CommInfoRequest struct {
	TargetName string `json:"target_name,omitempty"`
}

func (*CommInfoRequest) MessageType() string { return "comm_info_request" }

type CommInfo struct {
	TargetName string `json:"target_name"`
}

type CommInfoReply struct {
	Status string              `json:"status"`
	Comms  map[string]CommInfo `json:"comms"`
	ReplyError
}

func (*CommInfoReply) MessageType() string { return "comm_info_reply" }

type CommOpen struct {
	CommID       string                     `json:"comm_id"`
	TargetName   string                     `json:"target_name"`
	Data         map[string]json.RawMessage `json:"data"`
	TargetModule string                     `json:"target_module,omitempty"`
}

func (*CommOpen) MessageType() string { return "comm_open" }

type CommMsg struct {
	CommID string                     `json:"comm_id"`
	Data   map[string]json.RawMessage `json:"data"`
}

func (*CommMsg) MessageType() string { return "comm_msg" }

type CommClose struct {
	CommID string                     `json:"comm_id"`
	Data   map[string]json.RawMessage `json:"data"`
}

func (*CommClose) MessageType() string { return "comm_close" }

// control

type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

func (*ShutdownRequest) MessageType() string { return "shutdown_request" }

type ShutdownReply struct {
	Status  string `json:"status,omitempty"`
	Restart bool   `json:"restart"`
	ReplyError
}

func (*ShutdownReply) MessageType() string { return "shutdown_reply" }

type InterruptRequest struct{}

func (*InterruptRequest) MessageType() string { return "interrupt_request" }

type InterruptReply struct {
	Status string `json:"status"`
	ReplyError
}

func (*InterruptReply) MessageType() string { return "interrupt_reply" }

// DebugRequest and DebugReply carry DAP payloads that are forwarded untouched.
type DebugRequest map[string]json.RawMessage

func (*DebugRequest) MessageType() string { return "debug_request" }

type DebugReply map[string]json.RawMessage

func (*DebugReply) MessageType() string { return "debug_reply" }

// iopub

type Stream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

func (*Stream) MessageType() string { return "stream" }

type DisplayData struct {
	Data      MimeBundle                 `json:"data"`
	Metadata  MimeBundle                 `json:"metadata"`
	Transient map[string]json.RawMessage `json:"transient,omitempty"`
}

func (*DisplayData) MessageType() string { return "display_data" }

type UpdateDisplayData struct {
	Data      MimeBundle                 `json:"data"`
	Metadata  MimeBundle                 `json:"metadata"`
	Transient map[string]json.RawMessage `json:"transient,omitempty"`
}

func (*UpdateDisplayData) MessageType() string { return "update_display_data" }

type ExecuteInput struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

func (*ExecuteInput) MessageType() string { return "execute_input" }

type ExecuteResult struct {
	ExecutionCount int        `json:"execution_count"`
	Data           MimeBundle `json:"data"`
	Metadata       MimeBundle `json:"metadata"`
}

func (*ExecuteResult) MessageType() string { return "execute_result" }

type ErrorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (*ErrorContent) MessageType() string { return "error" }

type Status struct {
	ExecutionState string `json:"execution_state"`
}

func (*Status) MessageType() string { return "status" }

type ClearOutput struct {
	Wait bool `json:"wait"`
}

func (*ClearOutput) MessageType() string { return "clear_output" }

// stdin

type InputRequest struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

func (*InputRequest) MessageType() string { return "input_request" }

type InputReply struct {
	Value string `json:"value"`
}

func (*InputReply) MessageType() string { return "input_reply" }
