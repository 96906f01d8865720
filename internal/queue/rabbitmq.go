// Package queue Hook 生命周期事件的 RabbitMQ 发布
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/apk-analysis/hookshell/internal/retry"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 当前没有可用的 channel
var ErrNotConnected = errors.New("rabbitmq channel not connected")

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL       string // 非空时优先使用
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Exchange  string
	Heartbeat time.Duration // 心跳间隔，默认 10 秒
}

// Channel 发布用到的 amqp.Channel 方法
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ 向 topic exchange 发布消息的客户端, 连接断开后自动重连
type RabbitMQ struct {
	config *RabbitMQConfig
	logger *logrus.Logger

	mu         sync.RWMutex
	conn       *amqp.Connection
	channel    Channel
	closed     bool
	connNotify chan *amqp.Error

	maxRetries int
	done       chan struct{}
}

// NewRabbitMQ 连接 RabbitMQ 并声明 exchange
func NewRabbitMQ(config *RabbitMQConfig, logger *logrus.Logger) (*RabbitMQ, error) {
	if config.Heartbeat == 0 {
		config.Heartbeat = 10 * time.Second
	}
	if config.Exchange == "" {
		config.Exchange = "hookshell.events"
	}

	mq := &RabbitMQ{
		config:     config,
		logger:     logger,
		maxRetries: 10,
		done:       make(chan struct{}),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	go mq.watchConnection()
	return mq, nil
}

// amqpURL 优先使用 URL, 否则由各字段拼接
func amqpURL(cfg *RabbitMQConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	port := cfg.Port
	if port == 0 {
		port = 5672
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + strconv.Itoa(port),
		Path:   "/" + cfg.VHost,
	}
	if cfg.VHost == "/" || cfg.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(amqpURL(mq.config), amqp.Config{
		Heartbeat: mq.config.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		mq.config.Exchange, // name
		"topic",            // kind
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	notify := make(chan *amqp.Error, 1)
	conn.NotifyClose(notify)

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.connNotify = notify
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"host":      mq.config.Host,
		"exchange":  mq.config.Exchange,
		"heartbeat": mq.config.Heartbeat,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watchConnection 连接意外关闭时重连, 直到 Close
func (mq *RabbitMQ) watchConnection() {
	for {
		mq.mu.RLock()
		notify := mq.connNotify
		mq.mu.RUnlock()

		select {
		case <-mq.done:
			return
		case err, ok := <-notify:
			if mq.isClosed() {
				return
			}
			if ok && err != nil {
				mq.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			if err := mq.reconnect(); err != nil {
				mq.logger.WithError(err).Error("❌ Giving up on RabbitMQ reconnect")
				return
			}
		}
	}
}

func (mq *RabbitMQ) reconnect() error {
	mq.mu.Lock()
	mq.channel = nil
	mq.conn = nil
	mq.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-mq.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return retry.Do(ctx, &retry.Config{
		Name:            "rabbitmq_reconnect",
		MaxAttempts:     mq.maxRetries,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        retry.StrategyExponential,
		Logger:          mq.logger,
	}, func(ctx context.Context) error {
		return mq.connect()
	})
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Publish 以 routingKey 发布 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(
		ctx,
		mq.config.Exchange, // exchange
		routingKey,         // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.New().String(),
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接, 不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	if mq.closed {
		mq.mu.Unlock()
		return nil
	}
	mq.closed = true
	ch, conn := mq.channel, mq.conn
	mq.channel, mq.conn = nil, nil
	mq.mu.Unlock()
	close(mq.done)

	if ch != nil {
		if err := ch.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
