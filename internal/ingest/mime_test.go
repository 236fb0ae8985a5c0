package ingest

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

func crlf(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

func TestNormalizePlainMessage(t *testing.T) {
	raw := crlf(
		"From: Casey Customer <Casey@X.com>",
		"To: support@example.com",
		"Subject: Re: Leaking tap",
		"Message-ID: <m2@x.com>",
		"In-Reply-To: <m1@example.com>",
		"References: <m0@x.com> <m1@example.com>",
		"Date: Fri, 16 Oct 2026 09:30:00 +0200",
		"",
		"It is still dripping.",
		"",
	)

	msg, err := NewNormalizer(nil).Normalize(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "m2@x.com", msg.ExternalMessageID)
	assert.Equal(t, "m1@example.com", msg.ThreadReference)
	assert.Equal(t, []string{"m0@x.com", "m1@example.com"}, msg.References)
	assert.Equal(t, "Casey@X.com", msg.SenderAddress)
	assert.Equal(t, "Casey Customer", msg.SenderName)
	assert.Equal(t, "Re: Leaking tap", msg.Subject)
	assert.Equal(t, "It is still dripping.", msg.Body)
	assert.Equal(t, time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC), msg.ReceivedAt)
}

func TestNormalizePrefersPlainPartAndSkipsAttachments(t *testing.T) {
	raw := crlf(
		"From: customer@x.com",
		"Subject: Leaking tap",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="outer"`,
		"",
		"--outer",
		"Content-Type: text/plain",
		`Content-Disposition: attachment; filename="notes.txt"`,
		"",
		"attached notes",
		"--outer",
		`Content-Type: multipart/alternative; boundary="inner"`,
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Plain body",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>HTML body</p>",
		"--inner--",
		"--outer--",
		"",
	)

	msg, err := NewNormalizer(nil).Normalize(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Plain body", msg.Body)
}

func TestNormalizeConvertsHTMLOnlyMessages(t *testing.T) {
	raw := crlf(
		"From: customer@x.com",
		"Subject: Leaking tap",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Hello <b>support</b></p></body></html>",
		"",
	)

	msg, err := NewNormalizer(nil).Normalize(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "Hello")
	assert.NotContains(t, msg.Body, "<p>")
}

func TestNormalizeStampsMissingDate(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	raw := crlf("From: customer@x.com", "Subject: Hi", "", "body", "")

	msg, err := NewNormalizer(func() time.Time { return now }).Normalize(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, now, msg.ReceivedAt)
	assert.Empty(t, msg.ExternalMessageID)
}

func TestNormalizeRequiresFrom(t *testing.T) {
	raw := crlf("Subject: Hi", "", "body", "")

	_, err := NewNormalizer(nil).Normalize(strings.NewReader(raw))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}
