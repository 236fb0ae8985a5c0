package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spec-kit/caseflow/internal/api/http/handlers"
	"github.com/spec-kit/caseflow/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Cases          *handlers.CasesHandler
	Inbound        *handlers.InboundHandler
	AuthMiddleware *auth.AuthMiddleware
	Gatherer       prometheus.Gatherer
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := app.Group("/v1", cfg.AuthMiddleware.Handle)
	v1.Post("/inbound", auth.RequireIngest(), cfg.Inbound.Receive)
	v1.Get("/skips", auth.RequireOperator(), cfg.Cases.ListSkips)

	cases := v1.Group("/cases/:number", auth.RequireOperator())
	cases.Get("", cfg.Cases.GetCase)
	cases.Post("/transitions", cfg.Cases.Transition)
	cases.Post("/priority", auth.RequireSupervisor(), cfg.Cases.ChangePriority)
	cases.Post("/assign", cfg.Cases.Assign)
	cases.Post("/replies", cfg.Cases.Reply)
	cases.Post("/tasks", cfg.Cases.LinkTask)
	cases.Post("/tasks/:task_id/complete", cfg.Cases.CompleteTask)
	cases.Post("/flags", cfg.Cases.Flag)
}
