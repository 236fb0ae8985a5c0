package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// Envelope is the JSON body published to the broker.
type Envelope struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	SentAt  time.Time `json:"sent_at"`
	Message Message   `json:"message"`
}

// AMQPSender publishes messages to a topic exchange for a mail relay to
// pick up. Publishes use confirm mode; a nack is a failed attempt.
type AMQPSender struct {
	conn       *amqp.Connection
	exchange   string
	routingKey string
	logger     *zap.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPSender dials url and declares a durable topic exchange.
func NewAMQPSender(url, exchange, routingKey string, logger *zap.Logger) (*AMQPSender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, apperrors.NewExternalDependency("amqp", err)
	}
	s := &AMQPSender{
		conn:       conn,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.Named("amqp_sender"),
	}
	if _, err := s.channel(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *AMQPSender) Name() string { return "amqp" }

// channel returns the confirm-mode channel, reopening it after a close.
func (s *AMQPSender) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, apperrors.NewExternalDependency("amqp", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, apperrors.NewExternalDependency("amqp", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, apperrors.NewExternalDependency("amqp", err)
	}
	s.ch = ch
	return ch, nil
}

func (s *AMQPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	sentAt := time.Now().UTC()
	body, err := json.Marshal(Envelope{Type: "outbound.message", Version: 1, SentAt: sentAt, Message: msg})
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return Receipt{}, err
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CaseID,
		Timestamp:     sentAt,
		Body:          body,
	})
	if err != nil {
		return Receipt{}, apperrors.NewExternalDependency("amqp", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return Receipt{}, apperrors.NewExternalDependency("amqp", err)
	}
	if !acked {
		return Receipt{}, apperrors.NewExternalDependency("amqp", errors.New("broker nacked publish"))
	}

	s.logger.Debug("published outbound message",
		zap.String("exchange", s.exchange),
		zap.String("routing_key", s.routingKey),
		zap.String("case_id", msg.CaseID))
	return Receipt{ProviderMessageID: msg.MessageID, SentAt: sentAt}, nil
}

// Close shuts the channel and connection.
func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
	}
	return s.conn.Close()
}
