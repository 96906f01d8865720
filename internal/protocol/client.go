package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler 客户端收到服务端帧时的回调
type Handler struct {
	Output func(text string)
	Error  func(text string)
	// Input 处理输入请求, 返回值作为 INPUT_RESPONSE 发回
	Input func(req InputRequest) (string, error)
}

// Client 交互式协议客户端
type Client struct {
	conn         io.ReadWriteCloser
	reader       *Reader
	writer       *Writer
	pingInterval time.Duration
	logger       *logrus.Logger
}

// NewClient 创建客户端, pingInterval 为 0 时不主动发送 CLIENT_PING
func NewClient(conn io.ReadWriteCloser, pingInterval time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		conn:         conn,
		reader:       NewReader(conn),
		writer:       NewWriter(conn),
		pingInterval: pingInterval,
		logger:       logger,
	}
}

// Run 发送命令并处理服务端帧, 直到收到 COMMAND_END 或连接关闭
func (c *Client) Run(ctx context.Context, command string, h Handler) error {
	if err := c.writer.SendText(TypeClientCommand, command); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(done)
		wg.Wait()
	}()

	// ctx 取消时关闭连接, 让阻塞的读返回
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	if c.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := c.writer.Send(TypeClientPing, nil); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug("Server closed connection")
				return nil
			}
			return err
		}

		switch msg.Type {
		case TypeServerOutput:
			if h.Output != nil {
				h.Output(msg.Text())
			}
		case TypeServerError:
			if h.Error != nil {
				h.Error(msg.Text())
			}
		case TypeServerInputRequest:
			req, err := ParseInputRequest(msg.Text())
			if err != nil {
				c.logger.WithError(err).Warn("Ignoring malformed input request")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.answer(req, h)
			}()
		case TypeServerPing:
			_ = c.writer.Send(TypeClientPong, nil)
		case TypeInputPing:
			_ = c.writer.Send(TypeInputPong, nil)
		case TypeServerPong:
		case TypeCommandEnd:
			return nil
		default:
			c.logger.WithField("type", msg.Type.String()).Warn("Unknown server message type")
		}
	}
}

func (c *Client) answer(req InputRequest, h Handler) {
	value := ""
	if h.Input != nil {
		v, err := h.Input(req)
		if err != nil {
			c.logger.WithError(err).Warn("Input handler failed, sending empty response")
		} else {
			value = v
		}
	}
	if err := c.writer.SendText(TypeInputResponse, EncodeInputResponse(req.ID, value)); err != nil {
		c.logger.WithError(err).Debug("Failed to send input response")
	}
}

// RunText 纯文本协议: 发送一行命令, 把服务端输出原样拷贝到 out 直到连接关闭
func RunText(ctx context.Context, conn io.ReadWriteCloser, command string, out io.Writer) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, command+"\n"); err != nil {
		return err
	}
	_, err := io.Copy(out, conn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
