// Package protocol 交互式会话的二进制帧格式
//
// 帧结构: START_MARKER(4) | type(1) | len(4, big-endian) | payload(len) | END_MARKER(4)
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	StartMarker = [4]byte{0x00, 0x11, 0x45, 0x14}
	EndMarker   = [4]byte{0x01, 0x91, 0x98, 0x10}
)

// MaxPayload 单帧负载上限
const MaxPayload = 1 << 20

// MessageType 帧类型
type MessageType byte

const (
	TypeClientCommand      MessageType = 0x01
	TypeServerOutput       MessageType = 0x02
	TypeServerError        MessageType = 0x03
	TypeServerInputRequest MessageType = 0x04
	TypeInputResponse      MessageType = 0x05
	TypeServerPing         MessageType = 0x06
	TypeClientPing         MessageType = 0x07
	TypeServerPong         MessageType = 0x08
	TypeClientPong         MessageType = 0x09
	TypeInputPing          MessageType = 0x10
	TypeInputPong          MessageType = 0x11
	TypeCommandEnd         MessageType = 0x12
)

var typeNames = map[MessageType]string{
	TypeClientCommand:      "CLIENT_COMMAND",
	TypeServerOutput:       "SERVER_OUTPUT",
	TypeServerError:        "SERVER_ERROR",
	TypeServerInputRequest: "SERVER_INPUT_REQUEST",
	TypeInputResponse:      "INPUT_RESPONSE",
	TypeServerPing:         "SERVER_PING",
	TypeClientPing:         "CLIENT_PING",
	TypeServerPong:         "SERVER_PONG",
	TypeClientPong:         "CLIENT_PONG",
	TypeInputPing:          "INPUT_PING",
	TypeInputPong:          "INPUT_PONG",
	TypeCommandEnd:         "COMMAND_END",
}

func (t MessageType) String() string {
	return TypeName(t)
}

// TypeName 类型名, 未知类型返回 UNKNOWN(n)
func TypeName(t MessageType) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

var (
	// ErrProtocol 帧格式错误
	ErrProtocol = errors.New("protocol error")

	ErrBadStartMarker  = fmt.Errorf("%w: bad start marker", ErrProtocol)
	ErrBadEndMarker    = fmt.Errorf("%w: bad end marker", ErrProtocol)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload too large", ErrProtocol)
)

// Message 一帧
type Message struct {
	Type    MessageType
	Payload []byte
}

// Text 负载按 UTF-8 解释
func (m Message) Text() string {
	return string(m.Payload)
}

// Encode 编码一帧
func Encode(m Message) ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, 0, 4+1+4+len(m.Payload)+4)
	buf = append(buf, StartMarker[:]...)
	buf = append(buf, byte(m.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	buf = append(buf, EndMarker[:]...)
	return buf, nil
}

// WriteMessage 写出一帧
func WriteMessage(w io.Writer, m Message) error {
	buf, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader 帧读取器
type Reader struct {
	r *bufio.Reader
}

// NewReader 创建读取器, r 已经是 *bufio.Reader 时直接复用
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// ReadMessage 读取一帧
//
// 对端在帧边界关闭时返回 io.EOF, 帧中途关闭返回 io.ErrUnexpectedEOF。
func (r *Reader) ReadMessage() (Message, error) {
	var header [9]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return Message{}, err
	}
	if [4]byte(header[0:4]) != StartMarker {
		return Message{}, ErrBadStartMarker
	}

	typ := MessageType(header[4])
	n := binary.BigEndian.Uint32(header[5:9])
	if n > MaxPayload {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}

	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Message{}, unexpected(err)
		}
	}

	var end [4]byte
	if _, err := io.ReadFull(r.r, end[:]); err != nil {
		return Message{}, unexpected(err)
	}
	if end != EndMarker {
		return Message{}, ErrBadEndMarker
	}
	return Message{Type: typ, Payload: payload}, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer 并发安全的帧写入器
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter 创建写入器
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Send 写出一帧
func (w *Writer) Send(typ MessageType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteMessage(w.w, Message{Type: typ, Payload: payload})
}

// SendText 写出文本负载
func (w *Writer) SendText(typ MessageType, text string) error {
	return w.Send(typ, []byte(text))
}

// PasswordPrefix 密码输入请求的提示前缀
const PasswordPrefix = "PASSWORD:"

// InputRequest SERVER_INPUT_REQUEST 负载
type InputRequest struct {
	ID       string
	Prompt   string
	Password bool
}

// Encode 编码为 id:prompt 或 id:PASSWORD:prompt
func (r InputRequest) Encode() string {
	if r.Password {
		return r.ID + ":" + PasswordPrefix + r.Prompt
	}
	return r.ID + ":" + r.Prompt
}

// ParseInputRequest 解析输入请求负载
func ParseInputRequest(payload string) (InputRequest, error) {
	id, rest, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return InputRequest{}, fmt.Errorf("%w: malformed input request", ErrProtocol)
	}
	req := InputRequest{ID: id, Prompt: rest}
	if strings.HasPrefix(rest, PasswordPrefix) {
		req.Password = true
		req.Prompt = strings.TrimPrefix(rest, PasswordPrefix)
	}
	return req, nil
}

// EncodeInputResponse 编码 INPUT_RESPONSE 负载
func EncodeInputResponse(id, value string) string {
	return id + ":" + value
}

// ParseInputResponse 解析 INPUT_RESPONSE 负载
func ParseInputResponse(payload string) (id, value string, err error) {
	id, value, ok := strings.Cut(payload, ":")
	if !ok || id == "" {
		return "", "", fmt.Errorf("%w: malformed input response", ErrProtocol)
	}
	return id, value, nil
}
