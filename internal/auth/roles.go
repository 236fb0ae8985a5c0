package auth

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/caseflow/internal/domain"
	apperrors "github.com/spec-kit/caseflow/pkg/errorutil"
)

// RequireRole ensures the principal holds one of the allowed roles.
func RequireRole(allowed ...domain.OperatorRole) fiber.Handler {
	allowedSet := make(map[domain.OperatorRole]struct{}, len(allowed))
	for _, role := range allowed {
		allowedSet[role] = struct{}{}
	}

	return func(c *fiber.Ctx) error {
		principal, ok := PrincipalFromContext(c)
		if !ok {
			return apperrors.NewUnauthorized("authentication required")
		}
		if len(allowedSet) == 0 {
			return c.Next()
		}
		if _, exists := allowedSet[principal.Role]; !exists {
			return apperrors.NewForbidden("insufficient role")
		}
		return c.Next()
	}
}

// RequireOperator allows agents and supervisors.
func RequireOperator() fiber.Handler {
	return RequireRole(domain.RoleAgent, domain.RoleSupervisor)
}

// RequireSupervisor allows supervisors only.
func RequireSupervisor() fiber.Handler {
	return RequireRole(domain.RoleSupervisor)
}

// RequireIngest allows the inbound integration and supervisors.
func RequireIngest() fiber.Handler {
	return RequireRole(domain.RoleIngest, domain.RoleSupervisor)
}
