package jupyter

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const executeLine = `{"header":{"msg_id":"m1","username":"u","session":"s1","date":"2024-01-01T00:00:00Z","msg_type":"execute_request","version":"5.3"},` +
	`"parent_header":{},"metadata":{},` +
	`"content":{"code":"1+1","silent":false,"store_history":true,"user_expressions":{},"allow_stdin":false,"stop_on_error":true},` +
	`"channel":"shell"}`

func TestDecodeEnvelopeTypedContent(t *testing.T) {
	testlog.Start(t)
	msg, err := DecodeEnvelope([]byte(executeLine + "\n"))
	require.NoError(t, err)

	req, ok := msg.Content.(*ExecuteRequest)
	require.True(t, ok, "content type %T", msg.Content)
	assert.Equal(t, "1+1", req.Code)
	assert.True(t, req.StopOnError)
	require.NotNil(t, msg.Channel)
	assert.Equal(t, ChannelShell, *msg.Channel)
	assert.Nil(t, msg.ParentHeader)
}

func TestDecodeEnvelopeMissingContent(t *testing.T) {
	testlog.Start(t)
	line := `{"header":{"msg_id":"m1","msg_type":"execute_request"},"parent_header":{},"metadata":{},"channel":"shell"}`
	_, err := DecodeEnvelope([]byte(line))
	require.ErrorIs(t, err, ErrMissingContent)
}

func TestDecodeEnvelopeContentShapeMismatch(t *testing.T) {
	testlog.Start(t)
	line := `{"header":{"msg_id":"m1","msg_type":"execute_request"},"content":{"code":5},"channel":"shell"}`
	_, err := DecodeEnvelope([]byte(line))
	require.ErrorIs(t, err, ErrSerialization)

	line = `{"header":{"msg_id":"m1","msg_type":"stream"},"content":null,"channel":"shell"}`
	_, err = DecodeEnvelope([]byte(line))
	require.ErrorIs(t, err, ErrSerialization)
}

func TestDecodeEnvelopeMalformedJSON(t *testing.T) {
	testlog.Start(t)
	for _, line := range []string{"", "{", "[]", `{"content":{}}`} {
		_, err := DecodeEnvelope([]byte(line))
		if !errors.Is(err, ErrSerialization) {
			t.Fatalf("line %q: expected serialization error, got %v", line, err)
		}
	}
}

func TestDecodeEnvelopeMissingChannelIsAllowed(t *testing.T) {
	testlog.Start(t)
	line := `{"header":{"msg_id":"m1","msg_type":"kernel_info_request"},"content":{}}`
	msg, err := DecodeEnvelope([]byte(line))
	require.NoError(t, err)
	assert.Nil(t, msg.Channel)
	assert.IsType(t, &KernelInfoRequest{}, msg.Content)
}

func TestDecodeEnvelopeUnknownTypeKeepsRaw(t *testing.T) {
	testlog.Start(t)
	line := `{"header":{"msg_id":"m1","msg_type":"custom_thing"},"content":{"b":[1,2],"a":"x"},"channel":"control"}`
	msg, err := DecodeEnvelope([]byte(line))
	require.NoError(t, err)
	unknown, ok := msg.Content.(UnknownContent)
	require.True(t, ok)
	assert.Equal(t, "custom_thing", unknown.MessageType())
	assert.Equal(t, `{"b":[1,2],"a":"x"}`, string(unknown.Raw))
}

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	msg, err := DecodeEnvelope([]byte(executeLine))
	require.NoError(t, err)

	line, err := EncodeEnvelope(msg)
	require.NoError(t, err)
	require.Equal(t, byte('\n'), line[len(line)-1])

	var want, got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(executeLine), &want))
	require.NoError(t, json.Unmarshal(line, &got))
	assert.Equal(t, string(want["content"]), string(got["content"]))
	assert.JSONEq(t, string(want["header"]), string(got["header"]))
	assert.JSONEq(t, `"shell"`, string(got["channel"]))
}

func TestEncodeEnvelopeKeepsReceivedContent(t *testing.T) {
	testlog.Start(t)
	content := `{"code":"a<b","extra":{"z":1,"a":2},"silent":true}`
	line := `{"header":{"msg_id":"m1","msg_type":"execute_request"},"content":` + content + `,"channel":"shell"}`
	msg, err := DecodeEnvelope([]byte(line))
	require.NoError(t, err)
	assert.Equal(t, content, string(msg.RawContent))

	out, err := EncodeEnvelope(msg)
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, content, string(got["content"]))

	// multi-line bodies are compacted so the envelope stays on one line
	msg.RawContent = json.RawMessage("{\n\"code\": \"x\"\n}")
	out, err = EncodeEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "\n"))
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, `{"code":"x"}`, string(got["content"]))
}

func TestEncodeEnvelopeTypedContent(t *testing.T) {
	testlog.Start(t)
	msg := NewMessage(&Status{ExecutionState: "idle"}, "s1").WithChannel(ChannelIOPub)
	out, err := EncodeEnvelope(msg)
	require.NoError(t, err)
	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &got))
	assert.JSONEq(t, `{"execution_state":"idle"}`, string(got["content"]))
	assert.JSONEq(t, `"iopub"`, string(got["channel"]))
	assert.JSONEq(t, `{}`, string(got["parent_header"]))
}

func TestWithChannelDoesNotMutate(t *testing.T) {
	testlog.Start(t)
	msg := NewMessage(&Status{ExecutionState: "idle"}, "s1")
	tagged := msg.WithChannel(ChannelIOPub)
	assert.Nil(t, msg.Channel)
	require.NotNil(t, tagged.Channel)
	assert.Equal(t, ChannelIOPub, *tagged.Channel)
	assert.Equal(t, "status", tagged.MsgType())
	assert.NotEmpty(t, tagged.Header.MsgID)
}

func TestKnownMessageTypesHaveMatchingShapes(t *testing.T) {
	testlog.Start(t)
	for _, mt := range KnownMessageTypes() {
		content, err := ParseContent(mt, json.RawMessage(`{}`))
		require.NoError(t, err, mt)
		assert.Equal(t, mt, content.MessageType())
	}
}
