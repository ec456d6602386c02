package plugins

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/clink-manager/engine"
	"github.com/linht/clink-manager/regmap"
	"github.com/linht/clink-manager/snapshot"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// SendAccessError maps register access errors to an HTTP status
func SendAccessError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, regmap.ErrNotFound):
		return SendError(c, fiber.StatusNotFound, err)
	case errors.Is(err, engine.ErrReadOnly),
		errors.Is(err, engine.ErrWriteOnly),
		errors.Is(err, engine.ErrNotCommand):
		return SendError(c, fiber.StatusMethodNotAllowed, err)
	case errors.Is(err, engine.ErrValueRange),
		errors.Is(err, snapshot.ErrFormat):
		return SendError(c, fiber.StatusBadRequest, err)
	default:
		return SendError(c, fiber.StatusInternalServerError, err)
	}
}
