package chat

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	redispkg "github.com/httan304/webchat-sub000/pkg/redis"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
)

const healthCheckTimeout = 2 * time.Second

// HealthHandler reports dependency connectivity and host runtime stats.
type HealthHandler struct {
	store *redispkg.Client
	repo  *Repository
}

// NewHealthHandler creates the health endpoint handler.
func NewHealthHandler(store *redispkg.Client, repo *Repository) *HealthHandler {
	return &HealthHandler{store: store, repo: repo}
}

type healthReport struct {
	Status    string    `json:"status"`
	Redis     string    `json:"redis"`
	Postgres  string    `json:"postgres"`
	CPUUsage  float64   `json:"cpuUsagePercent"`
	MemUsage  float64   `json:"memUsagePercent"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Register mounts GET /health.
func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.health)
}

func (h *HealthHandler) health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthCheckTimeout)
	defer cancel()

	report := healthReport{
		Status:    "healthy",
		Redis:     "up",
		Postgres:  "up",
		CheckedAt: time.Now().UTC(),
	}

	if err := h.store.Ping(ctx); err != nil {
		report.Redis = "down"
		report.Status = "degraded"
	}

	if err := h.repo.Ping(ctx); err != nil {
		report.Postgres = "down"
		report.Status = "degraded"
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		report.CPUUsage = percentages[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemUsage = vm.UsedPercent
	}

	status := fiber.StatusOK
	if report.Status != "healthy" {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(report)
}
