package handlers

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/ingest"
)

// Ingester routes one inbound message to a case.
type Ingester interface {
	Ingest(ctx context.Context, msg domain.InboundMessage) (ingest.Result, error)
}

// InboundHandler accepts messages pushed by the mail integration.
type InboundHandler struct {
	ingester   Ingester
	schema     *ingest.SchemaValidator
	normalizer *ingest.Normalizer
}

// NewInboundHandler constructs handler.
func NewInboundHandler(ingester Ingester, schema *ingest.SchemaValidator, normalizer *ingest.Normalizer) *InboundHandler {
	return &InboundHandler{ingester: ingester, schema: schema, normalizer: normalizer}
}

// Receive POST /v1/inbound. JSON bodies are checked against the inbound
// schema; message/rfc822 bodies are parsed as raw mail.
func (h *InboundHandler) Receive(c *fiber.Ctx) error {
	var (
		msg domain.InboundMessage
		err error
	)
	if strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), "message/rfc822") {
		msg, err = h.normalizer.Normalize(bytes.NewReader(c.Body()))
	} else {
		msg, err = h.schema.Decode(c.Body())
	}
	if err != nil {
		return err
	}

	result, err := h.ingester.Ingest(c.UserContext(), msg)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if result.Outcome == ingest.OutcomeCreated && !result.Duplicate {
		status = http.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": result})
}
