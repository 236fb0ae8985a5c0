package domain

import (
	"sort"
	"time"
)

// Direction indicates which way a message travelled.
type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

// ThreadEntry captures one message logged against a case.
type ThreadEntry struct {
	ID                string    `json:"entry_id"`
	Direction         Direction `json:"direction"`
	SenderName        string    `json:"sender_name"`
	SenderAddress     string    `json:"sender_address"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	Timestamp         time.Time `json:"timestamp"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
}

// AppendThread inserts the entry at its timestamp position. Entries with an
// equal timestamp keep arrival order and existing entries never move
// relative to each other.
func (c *Case) AppendThread(entry ThreadEntry) int {
	idx := sort.Search(len(c.Threads), func(i int) bool {
		return c.Threads[i].Timestamp.After(entry.Timestamp)
	})
	c.Threads = append(c.Threads, ThreadEntry{})
	copy(c.Threads[idx+1:], c.Threads[idx:])
	c.Threads[idx] = entry
	return idx
}

// HasMessage reports whether an entry with the external id is present.
func (c *Case) HasMessage(externalID string) bool {
	if externalID == "" {
		return false
	}
	for _, entry := range c.Threads {
		if entry.ExternalMessageID == externalID {
			return true
		}
	}
	return false
}

// MessageIDs returns the external ids of all entries, in thread order.
func (c *Case) MessageIDs() []string {
	ids := make([]string, 0, len(c.Threads))
	for _, entry := range c.Threads {
		if entry.ExternalMessageID != "" {
			ids = append(ids, entry.ExternalMessageID)
		}
	}
	return ids
}

// InboundMessage is the normalized shape delivered by the inbound source.
type InboundMessage struct {
	ExternalMessageID string    `json:"external_message_id"`
	ThreadReference   string    `json:"thread_reference,omitempty"`
	References        []string  `json:"references,omitempty"`
	SenderAddress     string    `json:"sender_address"`
	SenderName        string    `json:"sender_name"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"received_at"`
}
