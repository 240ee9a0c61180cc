package chat

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/httan304/webchat-sub000/pkg/log"
	"github.com/httan304/webchat-sub000/pkg/resilience"
)

// ErrorResponse is the JSON error schema returned by every endpoint.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Handler exposes the chat service over HTTP.
type Handler struct {
	service *Service
	logger  log.Logger
}

// NewHandler creates the HTTP handler for the chat service.
func NewHandler(service *Service, logger log.Logger) *Handler {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the chat API on the given router.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	v1 := app.Group("/v1")

	v1.Post("/users", h.createUser)
	v1.Get("/users/:id", h.getUser)

	v1.Post("/rooms", h.createRoom)
	v1.Get("/rooms", h.listRooms)
	v1.Get("/rooms/:id", h.getRoom)

	v1.Post("/rooms/:id/messages", h.postMessage)
	v1.Get("/rooms/:id/messages", h.recentMessages)

	v1.Get("/stats/cache", h.cacheStats)
	v1.Get("/stats/pool", h.poolStatus)
}

func (h *Handler) createUser(c *fiber.Ctx) error {
	var input CreateUserInput

	if err := c.BodyParser(&input); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_body", "request body is not valid JSON")
	}

	user, err := h.service.CreateUser(c.UserContext(), input)
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(user)
}

func (h *Handler) getUser(c *fiber.Ctx) error {
	user, err := h.service.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.JSON(user)
}

func (h *Handler) createRoom(c *fiber.Ctx) error {
	var input CreateRoomInput

	if err := c.BodyParser(&input); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_body", "request body is not valid JSON")
	}

	room, err := h.service.CreateRoom(c.UserContext(), input)
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(room)
}

func (h *Handler) listRooms(c *fiber.Ctx) error {
	rooms, err := h.service.ListRooms(c.UserContext())
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.JSON(rooms)
}

func (h *Handler) getRoom(c *fiber.Ctx) error {
	room, err := h.service.GetRoom(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.JSON(room)
}

func (h *Handler) postMessage(c *fiber.Ctx) error {
	var input PostMessageInput

	if err := c.BodyParser(&input); err != nil {
		return writeError(c, fiber.StatusBadRequest, "invalid_body", "request body is not valid JSON")
	}

	message, err := h.service.PostMessage(c.UserContext(), c.Params("id"), input)
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(message)
}

func (h *Handler) recentMessages(c *fiber.Ctx) error {
	messages, err := h.service.RecentMessages(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.JSON(messages)
}

func (h *Handler) cacheStats(c *fiber.Ctx) error {
	return c.JSON(h.service.CacheStats())
}

func (h *Handler) poolStatus(c *fiber.Ctx) error {
	status, err := h.service.PoolStatus(c.UserContext())
	if err != nil {
		return h.writeDomainError(c, err)
	}

	return c.JSON(status)
}

// writeDomainError maps service errors onto HTTP statuses. Admission-denied
// conditions become retry-later responses with a Retry-After header; they
// must never surface as a generic 500.
func (h *Handler) writeDomainError(c *fiber.Ctx, err error) error {
	var rateLimited *RateLimitedError

	switch {
	case errors.As(err, &rateLimited):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(rateLimited)))

		return writeError(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, retry later")

	case errors.Is(err, resilience.ErrRateLimited):
		return writeError(c, fiber.StatusTooManyRequests, "rate_limited", "too many requests, retry later")

	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrBulkheadSaturated):
		c.Set(fiber.HeaderRetryAfter, "1")

		return writeError(c, fiber.StatusServiceUnavailable, "temporarily_unavailable", "service temporarily unavailable, retry later")

	case errors.Is(err, resilience.ErrNotFound):
		return writeError(c, fiber.StatusNotFound, "not_found", "resource not found")

	case errors.Is(err, resilience.ErrBadRequest):
		return writeError(c, fiber.StatusBadRequest, "bad_request", err.Error())

	case errors.Is(err, resilience.ErrUnauthorized):
		return writeError(c, fiber.StatusUnauthorized, "unauthorized", "authentication required")

	case errors.Is(err, resilience.ErrForbidden):
		return writeError(c, fiber.StatusForbidden, "forbidden", "operation not permitted")
	}

	h.logger.Log(c.UserContext(), log.LevelError, "request failed", log.Err(err))

	return writeError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

func retryAfterSeconds(err *RateLimitedError) int {
	seconds := int(err.RetryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}

	return seconds
}

// writeError writes a structured error response.
func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}
