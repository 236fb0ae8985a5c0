// Package dispatch delivers outbound messages after the case write that
// requested them has committed.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// Message is one outbound send request.
type Message struct {
	// ID identifies the request; MessageID is the RFC 5322 id we assign so
	// customer replies thread back onto the case.
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	CaseID      string    `json:"case_id"`
	CaseNumber  string    `json:"case_number"`
	Recipient   string    `json:"recipient_address"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	FromName    string    `json:"from_name,omitempty"`
	FromAddress string    `json:"from_address,omitempty"`
	InReplyTo   string    `json:"in_reply_to,omitempty"`
	References  []string  `json:"references,omitempty"`
	Actor       string    `json:"actor"`
	RequestedAt time.Time `json:"requested_at"`

	// Depth is the workflow cascade depth of the request; the recorded
	// Outbound entry is published at the same depth.
	Depth int `json:"depth,omitempty"`
}

// Receipt is what a provider returns for an accepted send.
type Receipt struct {
	ProviderMessageID string
	SentAt            time.Time
}

// Sender hands a message to an outbound provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) (Receipt, error)
}

// Recorder writes delivery outcomes back onto the case.
type Recorder interface {
	RecordOutbound(ctx context.Context, msg Message, receipt Receipt) error
	MarkCommunicationFailed(ctx context.Context, msg Message, cause error) error
}

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("dispatch queue closed")
