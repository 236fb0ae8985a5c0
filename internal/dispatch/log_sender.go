package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger.Named("log_sender")}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, msg Message) (Receipt, error) {
	s.logger.Info("outbound message",
		zap.String("case_number", msg.CaseNumber),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject),
		zap.String("message_id", msg.MessageID))
	return Receipt{ProviderMessageID: msg.MessageID, SentAt: time.Now().UTC()}, nil
}
