package ingest

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// Normalizer parses raw RFC 5322 messages into the inbound shape.
type Normalizer struct {
	now func() time.Time
}

// NewNormalizer constructs a normalizer; now stamps messages lacking a Date.
func NewNormalizer(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// Normalize reads one message. Only the first text/plain part is kept; an
// HTML-only message is converted to text.
func (n *Normalizer) Normalize(r io.Reader) (domain.InboundMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return domain.InboundMessage{}, apperrors.NewValidationError("unreadable message", map[string]any{"error": err.Error()})
	}
	header := mail.Header{Header: entity.Header}

	from, err := header.AddressList("From")
	if err != nil || len(from) == 0 {
		return domain.InboundMessage{}, apperrors.NewValidationError("message has no usable From header", nil)
	}

	subject, err := header.Subject()
	if err != nil {
		subject = header.Get("Subject")
	}
	messageID, _ := header.MessageID()
	inReplyTo, _ := header.MsgIDList("In-Reply-To")
	references, _ := header.MsgIDList("References")

	received, err := header.Date()
	if err != nil || received.IsZero() {
		received = n.now()
	}

	body, err := extractText(entity)
	if err != nil {
		return domain.InboundMessage{}, apperrors.NewValidationError("unreadable message body", map[string]any{"error": err.Error()})
	}

	msg := domain.InboundMessage{
		ExternalMessageID: messageID,
		References:        references,
		SenderAddress:     from[0].Address,
		SenderName:        from[0].Name,
		Subject:           subject,
		Body:              strings.TrimSpace(body),
		ReceivedAt:        received.UTC(),
	}
	if len(inReplyTo) > 0 {
		msg.ThreadReference = inReplyTo[0]
	}
	return msg, nil
}

func extractText(entity *message.Entity) (string, error) {
	var plain, html *string

	var walk func(*message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, _ := e.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return fmt.Errorf("nil multipart reader for %s", mediaType)
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					return nil
				}
				if err != nil && !message.IsUnknownCharset(err) {
					return err
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}

		disposition, _, _ := e.Header.ContentDisposition()
		if disposition == "attachment" {
			return nil
		}
		switch mediaType {
		case "text/plain":
			if plain == nil {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				s := string(content)
				plain = &s
			}
		case "text/html":
			if html == nil {
				content, err := io.ReadAll(e.Body)
				if err != nil {
					return err
				}
				s := string(content)
				html = &s
			}
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}
	switch {
	case plain != nil:
		return *plain, nil
	case html != nil:
		return html2text.HTML2Text(*html), nil
	}
	return "", nil
}
