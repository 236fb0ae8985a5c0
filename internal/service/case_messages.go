package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/dispatch"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/events"
	"github.com/spec-kit/caseflow/internal/repository"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// ReplyInput is an agent reply to the customer.
type ReplyInput struct {
	Subject       string
	Body          string
	AwaitCustomer bool
}

// ReplyReceipt identifies the queued dispatch.
type ReplyReceipt struct {
	Case       *domain.Case
	DispatchID string
	MessageID  string
}

// Reply queues a message to the customer. The first reply starts work on a
// New case; AwaitCustomer then waits for the customer. The Outbound entry
// is added once the provider accepts the message.
func (s *CaseService) Reply(ctx context.Context, caseID string, input ReplyInput, actor string) (*ReplyReceipt, error) {
	if strings.TrimSpace(input.Body) == "" {
		return nil, apperrors.NewValidationError("body is required", nil)
	}
	current, err := s.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if current.Status == domain.CaseStatusClosed {
		return nil, apperrors.NewInvariantViolation("closed cases cannot be replied to", map[string]any{"case_id": caseID})
	}

	updated := current
	if current.Status == domain.CaseStatusNew || input.AwaitCustomer {
		updated, err = s.apply(ctx, caseID, func(c *domain.Case, at time.Time) error {
			changed := false
			if c.Status == domain.CaseStatusNew {
				if err := s.transition(c, domain.CaseStatusInProgress, actor, "first outbound response", at); err != nil {
					return err
				}
				changed = true
			}
			if input.AwaitCustomer && c.Status != domain.CaseStatusAwaitingCustomer {
				if err := s.transition(c, domain.CaseStatusAwaitingCustomer, actor, "waiting for customer input", at); err != nil {
					return err
				}
				changed = true
			}
			if !changed {
				return errUnchanged
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	msg := s.outboundMessage(ctx, updated, updated.Customer.Address, input.Subject, input.Body, actor)
	if err := s.enqueue(ctx, msg); err != nil {
		if markErr := s.MarkCommunicationFailed(ctx, msg, err); markErr != nil {
			s.logger.Error("record enqueue failure", zap.String("case_id", caseID), zap.Error(markErr))
		}
		return nil, err
	}
	return &ReplyReceipt{Case: updated, DispatchID: msg.ID, MessageID: msg.MessageID}, nil
}

// Notify queues a message without touching the case status.
func (s *CaseService) Notify(ctx context.Context, caseID, recipient, subject, body, actor string) error {
	c, err := s.store.Get(ctx, caseID)
	if err != nil {
		return err
	}
	if recipient == "" {
		recipient = c.Customer.Address
	}
	msg := s.outboundMessage(ctx, c, recipient, subject, body, actor)
	if err := s.enqueue(ctx, msg); err != nil {
		if markErr := s.MarkCommunicationFailed(ctx, msg, err); markErr != nil {
			s.logger.Error("record enqueue failure", zap.String("case_id", caseID), zap.Error(markErr))
		}
		return err
	}
	return nil
}

// RecordOutbound stores an accepted send as an Outbound thread entry keyed
// by the provider message id. Redelivered receipts are ignored.
func (s *CaseService) RecordOutbound(ctx context.Context, msg dispatch.Message, receipt dispatch.Receipt) error {
	entry := domain.ThreadEntry{
		ID:                uuid.NewString(),
		Direction:         domain.DirectionOutbound,
		SenderName:        s.fromName,
		SenderAddress:     s.identity,
		Subject:           msg.Subject,
		Body:              msg.Body,
		Timestamp:         receipt.SentAt,
		ExternalMessageID: receipt.ProviderMessageID,
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	onClosed := false
	updated, err := repository.UpdateWithRetry(ctx, s.store, msg.CaseID, s.attempts, func(c *domain.Case) error {
		if c.HasMessage(entry.ExternalMessageID) {
			return repository.ErrDuplicateMessage
		}
		onClosed = c.Status == domain.CaseStatusClosed
		c.AppendThread(entry)
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineThreadAppended,
			Actor:     domain.ActorDispatch,
			Timestamp: s.now(),
			Details: map[string]string{
				"entry_id":            entry.ID,
				"direction":           string(entry.Direction),
				"external_message_id": entry.ExternalMessageID,
				"dispatch_id":         msg.ID,
			},
		})
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateMessage) {
		s.logger.Debug("outbound entry already recorded", zap.String("case_id", msg.CaseID), zap.String("dispatch_id", msg.ID))
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(events.WithDepth(ctx, msg.Depth), updated.ID, events.NewThreadAppended(updated.ID, entry, onClosed))
	return nil
}

// MarkCommunicationFailed flags the case after dispatch gave up.
func (s *CaseService) MarkCommunicationFailed(ctx context.Context, msg dispatch.Message, cause error) error {
	reason := "dispatch failed"
	if cause != nil {
		reason = cause.Error()
	}
	_, err := s.apply(ctx, msg.CaseID, func(c *domain.Case, at time.Time) error {
		c.SetFlag(domain.FlagCommunicationFailed)
		c.Record(domain.TimelineEvent{
			ID:        uuid.NewString(),
			Kind:      domain.TimelineDispatchFailed,
			Actor:     domain.ActorDispatch,
			Timestamp: at,
			Reason:    reason,
			Details: map[string]string{
				"dispatch_id": msg.ID,
				"recipient":   msg.Recipient,
				"subject":     msg.Subject,
			},
		})
		return nil
	})
	if err == nil {
		s.logger.Warn("communication failed", zap.String("case_id", msg.CaseID), zap.String("dispatch_id", msg.ID), zap.String("reason", reason))
	}
	return err
}

func (s *CaseService) enqueue(ctx context.Context, msg dispatch.Message) error {
	if s.outbox == nil {
		return apperrors.NewExternalDependency("dispatch", errors.New("no outbound channel configured"))
	}
	if err := s.outbox.Enqueue(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("outbound message queued",
		zap.String("case_id", msg.CaseID),
		zap.String("dispatch_id", msg.ID),
		zap.String("actor", msg.Actor))
	return nil
}

// outboundMessage threads the message onto the last inbound mail and puts
// the case number in the subject so replies find their way back.
func (s *CaseService) outboundMessage(ctx context.Context, c *domain.Case, recipient, subject, body, actor string) dispatch.Message {
	id := uuid.NewString()
	msg := dispatch.Message{
		ID:          id,
		MessageID:   fmt.Sprintf("%s@%s", id, identityDomain(s.identity)),
		CaseID:      c.ID,
		CaseNumber:  c.Number,
		Recipient:   recipient,
		Subject:     caseSubject(c, subject),
		Body:        body,
		FromName:    s.fromName,
		FromAddress: s.identity,
		References:  c.MessageIDs(),
		Actor:       actor,
		RequestedAt: s.now(),
		Depth:       events.Depth(ctx),
	}
	if last := c.LastInbound(); last != nil {
		msg.InReplyTo = last.ExternalMessageID
	}
	return msg
}

func caseSubject(c *domain.Case, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		original := ""
		if len(c.Threads) > 0 {
			original = c.Threads[0].Subject
		}
		subject = "Re: " + strings.TrimSpace(original)
	}
	if strings.Contains(strings.ToUpper(subject), c.Number) {
		return subject
	}
	return fmt.Sprintf("[%s] %s", c.Number, subject)
}

func identityDomain(identity string) string {
	if at := strings.LastIndex(identity, "@"); at >= 0 && at+1 < len(identity) {
		return identity[at+1:]
	}
	return "caseflow.local"
}
