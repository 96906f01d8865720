package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// ErrParcelUnderflow 读取越过数据末尾
var ErrParcelUnderflow = errors.New("parcel underflow")

// Parcel 顺序读写的事务数据: int32 和带长度前缀的字符串, 小端序
//
// 字符串长度为 -1 表示 null。流式结果不能序列化, 通过 Stream 槽位在进程内传递。
type Parcel struct {
	buf    []byte
	pos    int
	stream io.ReadCloser
}

// NewParcel 创建空 Parcel
func NewParcel() *Parcel {
	return &Parcel{}
}

// ParcelFrom 从已序列化的数据创建 Parcel, 读位置在开头
func ParcelFrom(data []byte) *Parcel {
	return &Parcel{buf: append([]byte(nil), data...)}
}

// Bytes 已写入的数据
func (p *Parcel) Bytes() []byte {
	return p.buf
}

func (p *Parcel) DataPosition() int { return p.pos }

func (p *Parcel) SetDataPosition(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(p.buf) {
		pos = len(p.buf)
	}
	p.pos = pos
}

// DataAvail 剩余可读字节数
func (p *Parcel) DataAvail() int { return len(p.buf) - p.pos }

func (p *Parcel) WriteInt(v int32) {
	p.buf = binary.LittleEndian.AppendUint32(p.buf, uint32(v))
}

func (p *Parcel) ReadInt() (int32, error) {
	if p.DataAvail() < 4 {
		return 0, ErrParcelUnderflow
	}
	v := int32(binary.LittleEndian.Uint32(p.buf[p.pos:]))
	p.pos += 4
	return v, nil
}

func (p *Parcel) WriteString(s string) {
	p.WriteInt(int32(len(s)))
	p.buf = append(p.buf, s...)
}

// WriteNullString 写入 null 字符串
func (p *Parcel) WriteNullString() {
	p.WriteInt(-1)
}

// ReadString null 字符串返回 ok=false
func (p *Parcel) ReadString() (s string, ok bool, err error) {
	n, err := p.ReadInt()
	if err != nil {
		return "", false, err
	}
	if n < 0 {
		return "", false, nil
	}
	if p.DataAvail() < int(n) {
		return "", false, ErrParcelUnderflow
	}
	b := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	if !utf8.Valid(b) {
		return "", false, errors.New("parcel string is not valid UTF-8")
	}
	return string(b), true, nil
}

// WriteInterfaceToken 写入接口描述符
func (p *Parcel) WriteInterfaceToken(descriptor string) {
	p.WriteString(descriptor)
}

// EnforceInterface 读取并校验接口描述符
func (p *Parcel) EnforceInterface(descriptor string) error {
	got, ok, err := p.ReadString()
	if err != nil {
		return err
	}
	if !ok || got != descriptor {
		return fmt.Errorf("interface mismatch: got %q, want %q", got, descriptor)
	}
	return nil
}

// WriteNoException 回复头: 无异常
func (p *Parcel) WriteNoException() {
	p.WriteInt(0)
}

// WriteException 回复头: 异常码 -1 和消息
func (p *Parcel) WriteException(err error) {
	p.WriteInt(-1)
	p.WriteString(err.Error())
}

// ReadException 读取回复头, 有异常时返回对应错误
func (p *Parcel) ReadException() error {
	code, err := p.ReadInt()
	if err != nil {
		return err
	}
	if code == 0 {
		return nil
	}
	msg, _, err := p.ReadString()
	if err != nil {
		return fmt.Errorf("remote exception %d", code)
	}
	return fmt.Errorf("remote exception %d: %s", code, msg)
}

// WriteStream 放入流式结果
func (p *Parcel) WriteStream(r io.ReadCloser) {
	p.stream = r
}

// Stream 取出流式结果, 只能取一次
func (p *Parcel) Stream() io.ReadCloser {
	r := p.stream
	p.stream = nil
	return r
}
