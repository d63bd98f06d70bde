package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds liveness/readiness style endpoints. Dependency
// probes cover only the stores the active backend actually uses.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		checks := fiber.Map{}
		healthy := true

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			status := "ok"
			if err := d.DB.Ping(ctx); err != nil {
				status = err.Error()
				healthy = false
			}
			checks["postgres"] = status
		}
		if d.Cache != nil {
			status := "ok"
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				status = err.Error()
				healthy = false
			}
			checks["redis"] = status
		}

		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"backend":   string(d.Cfg.Backend),
			"status":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
