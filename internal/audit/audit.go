// Package audit publishes authentication events outside the relational store.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventOTPRequested    = "otp_requested"
	EventLoginFailed     = "login_failed"
	EventLoginSuccess    = "login_succeeded"
	EventLogout          = "logout"
	EventSessionsRevoked = "sessions_revoked"
)

type Event struct {
	Type      string    `json:"type"`
	Email     string    `json:"email,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Sink must not block the request path and must not fail it.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

type NoopSink struct{}

func (NoopSink) Publish(context.Context, Event) {}

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) LogSink { return LogSink{log: log.Named("audit")} }

func (s LogSink) Publish(_ context.Context, e Event) {
	s.log.Info("auth event",
		zap.String("type", e.Type),
		zap.String("email", e.Email),
		zap.String("user_id", e.UserID),
		zap.String("ip", e.IP),
		zap.String("reason", e.Reason),
		zap.Time("at", e.At),
	)
}

// KafkaSink writes events asynchronously; write errors are reported through
// the writer's completion callback.
type KafkaSink struct {
	writer *kafka.Writer
	log    *zap.Logger
}

func NewKafkaSink(brokers []string, topic string, log *zap.Logger) *KafkaSink {
	log = log.Named("audit")
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("failed to write audit events", zap.Error(err), zap.Int("message_count", len(messages)))
			}
		},
	}
	return &KafkaSink{writer: w, log: log}
}

func (s *KafkaSink) Publish(ctx context.Context, e Event) {
	msg, err := encode(e)
	if err != nil {
		s.log.Error("encode audit event", zap.Error(err))
		return
	}
	if err := s.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		s.log.Warn("queue audit event", zap.Error(err))
	}
}

func (s *KafkaSink) Close() error { return s.writer.Close() }

// encode keys messages by email so one account's events stay ordered.
func encode(e Event) (kafka.Message, error) {
	v, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	key := e.Email
	if key == "" {
		key = e.IP
	}
	return kafka.Message{Key: []byte(key), Value: v, Time: e.At}, nil
}
