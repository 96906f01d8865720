package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/apk-analysis/hookshell/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxParcelSize 事务请求体上限
const maxParcelSize = 1 << 20

// Transactor 事务分发
type Transactor interface {
	Transact(ctx context.Context, code uint32, data, reply *server.Parcel) bool
}

// TransactHandler 把事务接口暴露为 HTTP
type TransactHandler struct {
	tx     Transactor
	logger *logrus.Logger
}

// NewTransactHandler 创建事务处理器
func NewTransactHandler(tx Transactor, logger *logrus.Logger) *TransactHandler {
	return &TransactHandler{tx: tx, logger: logger}
}

// Transact 执行一个事务
// POST /api/v1/transact/:code
//
// 请求体和响应体都是序列化的 Parcel。返回流的事务以 text/plain 流式输出。
func (h *TransactHandler) Transact(c *gin.Context) {
	code, err := strconv.ParseUint(c.Param("code"), 0, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的事务码"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxParcelSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "读取请求体失败"})
		return
	}
	if len(body) > maxParcelSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "请求体过大"})
		return
	}

	reply := server.NewParcel()
	if !h.tx.Transact(c.Request.Context(), uint32(code), server.ParcelFrom(body), reply) {
		h.logger.WithField("code", code).Warn("Transaction not handled")
		c.JSON(http.StatusNotFound, gin.H{"error": "事务未处理", "code": code})
		return
	}

	stream := reply.Stream()
	if stream == nil {
		c.Data(http.StatusOK, "application/octet-stream", reply.Bytes())
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := c.Writer.Write(buf[:n]); werr != nil {
				return
			}
			c.Writer.Flush()
		}
		if err != nil {
			return
		}
	}
}
