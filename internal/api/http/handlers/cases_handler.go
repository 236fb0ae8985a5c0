package handlers

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/caseflow/internal/api/dto"
	"github.com/spec-kit/caseflow/internal/auth"
	"github.com/spec-kit/caseflow/internal/domain"
	"github.com/spec-kit/caseflow/internal/lifecycle"
	"github.com/spec-kit/caseflow/internal/service"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// CasesHandler exposes case operations to operators.
type CasesHandler struct {
	service *service.CaseService
}

// NewCasesHandler constructs handler.
func NewCasesHandler(caseService *service.CaseService) *CasesHandler {
	return &CasesHandler{service: caseService}
}

// GetCase GET /v1/cases/:number.
func (h *CasesHandler) GetCase(c *fiber.Ctx) error {
	found, err := h.service.GetByNumber(c.UserContext(), c.Params("number"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseDetail(found, lifecycle.Allowed(found.Status))})
}

// Transition POST /v1/cases/:number/transitions.
func (h *CasesHandler) Transition(c *fiber.Ctx) error {
	var req dto.TransitionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Status) == "" {
		return apperrors.NewValidationError("status required", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	updated, err := h.service.Transition(c.UserContext(), caseID, domain.CaseStatus(req.Status), auth.Actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// ChangePriority POST /v1/cases/:number/priority.
func (h *CasesHandler) ChangePriority(c *fiber.Ctx) error {
	var req dto.PriorityRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Priority) == "" {
		return apperrors.NewValidationError("priority required", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	updated, err := h.service.ChangePriority(c.UserContext(), caseID, domain.CasePriority(req.Priority), auth.Actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// Assign POST /v1/cases/:number/assign.
func (h *CasesHandler) Assign(c *fiber.Ctx) error {
	var req dto.AssignRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if !req.Escalate && strings.TrimSpace(req.Assignee) == "" {
		return apperrors.NewValidationError("assignee required", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	var updated *domain.Case
	if req.Escalate {
		updated, err = h.service.Escalate(c.UserContext(), caseID, req.Assignee, auth.Actor(c), req.Reason)
	} else {
		updated, err = h.service.Assign(c.UserContext(), caseID, req.Assignee, auth.Actor(c), req.Reason)
	}
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// Reply POST /v1/cases/:number/replies.
func (h *CasesHandler) Reply(c *fiber.Ctx) error {
	var req dto.ReplyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Body) == "" {
		return apperrors.NewValidationError("body required", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	receipt, err := h.service.Reply(c.UserContext(), caseID, service.ReplyInput{
		Subject:       req.Subject,
		Body:          req.Body,
		AwaitCustomer: req.AwaitCustomer,
	}, auth.Actor(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusAccepted).JSON(fiber.Map{"data": dto.ReplyResponse{
		Case:       dto.NewCaseSummary(receipt.Case),
		DispatchID: receipt.DispatchID,
		MessageID:  receipt.MessageID,
	}})
}

// LinkTask POST /v1/cases/:number/tasks.
func (h *CasesHandler) LinkTask(c *fiber.Ctx) error {
	var req dto.TaskRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return apperrors.NewValidationError("task_id required", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	updated, err := h.service.LinkVendorTask(c.UserContext(), caseID, req.TaskID, auth.Actor(c))
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// CompleteTask POST /v1/cases/:number/tasks/:task_id/complete.
func (h *CasesHandler) CompleteTask(c *fiber.Ctx) error {
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	updated, err := h.service.CompleteVendorTask(c.UserContext(), caseID, c.Params("task_id"), auth.Actor(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// Flag POST /v1/cases/:number/flags.
func (h *CasesHandler) Flag(c *fiber.Ctx) error {
	var req dto.FlagRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	caseID, err := h.caseID(c)
	if err != nil {
		return err
	}
	updated, err := h.service.FlagCase(c.UserContext(), caseID, domain.CaseFlag(strings.TrimSpace(req.Flag)), auth.Actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewCaseSummary(updated)})
}

// ListSkips GET /v1/skips.
func (h *CasesHandler) ListSkips(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	records, err := h.service.Skips(c.UserContext(), limit)
	if err != nil {
		return err
	}
	items := make([]dto.SkipResponse, 0, len(records))
	for _, record := range records {
		items = append(items, dto.SkipResponse{
			ExternalMessageID: record.ExternalMessageID,
			SenderAddress:     record.SenderAddress,
			Subject:           record.Subject,
			Reason:            record.Reason,
			RecordedAt:        record.RecordedAt,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

func (h *CasesHandler) caseID(c *fiber.Ctx) (string, error) {
	found, err := h.service.GetByNumber(c.UserContext(), c.Params("number"))
	if err != nil {
		return "", err
	}
	return found.ID, nil
}
