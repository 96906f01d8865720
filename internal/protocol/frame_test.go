package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncode_Layout 测试帧布局
func TestEncode_Layout(t *testing.T) {
	buf, err := Encode(Message{Type: TypeServerOutput, Payload: []byte("hi\n")})
	require.NoError(t, err)

	want := []byte{0x00, 0x11, 0x45, 0x14, 0x02, 0x00, 0x00, 0x00, 0x03, 'h', 'i', '\n', 0x01, 0x91, 0x98, 0x10}
	assert.Equal(t, want, buf)
}

// TestReader_Sequence 测试连续读取多帧
func TestReader_Sequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: TypeClientCommand, Payload: []byte("echo hi")}))
	require.NoError(t, WriteMessage(&buf, Message{Type: TypeClientPing}))
	require.NoError(t, WriteMessage(&buf, Message{Type: TypeCommandEnd}))

	r := NewReader(&buf)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeClientCommand, msg.Type)
	assert.Equal(t, "echo hi", msg.Text())

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeClientPing, msg.Type)
	assert.Empty(t, msg.Payload)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, TypeCommandEnd, msg.Type)

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

// TestReader_Errors 测试格式错误的帧
func TestReader_Errors(t *testing.T) {
	valid, err := Encode(Message{Type: TypeServerOutput, Payload: []byte("abc")})
	require.NoError(t, err)

	badStart := append([]byte{}, valid...)
	badStart[1] = 0xff

	badEnd := append([]byte{}, valid...)
	badEnd[len(badEnd)-1] = 0x00

	tooLarge := append([]byte{}, valid[:5]...)
	tooLarge = binary.BigEndian.AppendUint32(tooLarge, MaxPayload+1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad start marker", badStart, ErrBadStartMarker},
		{"bad end marker", badEnd, ErrBadEndMarker},
		{"payload too large", tooLarge, ErrPayloadTooLarge},
		{"truncated payload", valid[:11], io.ErrUnexpectedEOF},
		{"truncated header", valid[:3], io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(bytes.NewReader(tt.data)).ReadMessage()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err = NewReader(bytes.NewReader(badStart)).ReadMessage()
	assert.ErrorIs(t, err, ErrProtocol)
}

// TestEncode_RejectsOversizedPayload 测试编码超长负载
func TestEncode_RejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Message{Type: TypeServerOutput, Payload: make([]byte, MaxPayload+1)})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestTypeName 测试类型名
func TestTypeName(t *testing.T) {
	assert.Equal(t, "CLIENT_COMMAND", TypeName(TypeClientCommand))
	assert.Equal(t, "INPUT_PONG", TypeName(TypeInputPong))
	assert.Equal(t, "COMMAND_END", TypeCommandEnd.String())
	assert.Equal(t, "UNKNOWN(255)", TypeName(MessageType(0xff)))
}

// TestInputRequest 测试输入请求负载
func TestInputRequest(t *testing.T) {
	req, err := ParseInputRequest(InputRequest{ID: "abc", Prompt: "名字: "}.Encode())
	require.NoError(t, err)
	assert.Equal(t, InputRequest{ID: "abc", Prompt: "名字: "}, req)

	req, err = ParseInputRequest("abc:PASSWORD:密码: ")
	require.NoError(t, err)
	assert.True(t, req.Password)
	assert.Equal(t, "密码: ", req.Prompt)

	_, err = ParseInputRequest("no-separator")
	assert.ErrorIs(t, err, ErrProtocol)

	id, value, err := ParseInputResponse(EncodeInputResponse("abc", "a:b"))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "a:b", value)
}
