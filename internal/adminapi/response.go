package adminapi

import "github.com/gofiber/fiber/v2"

// Response is the envelope every adminapi route returns. It intentionally
// mirrors the shape the rest of the pack's handlers use rather than
// importing a shared response package, since the admin API has no
// tenant/auth concept of its own to share with one.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo carries a machine-readable code alongside the message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries cursor-pagination state for list endpoints.
type Meta struct {
	Count   int    `json:"count"`
	Cursor  string `json:"cursor,omitempty"`
	HasMore bool   `json:"has_more"`
}

// ok sends a success envelope.
func ok(c *fiber.Ctx, data interface{}) error {
	return c.JSON(Response{Success: true, Data: data})
}

// okWithMeta sends a success envelope carrying pagination metadata.
func okWithMeta(c *fiber.Ctx, data interface{}, meta *Meta) error {
	return c.JSON(Response{Success: true, Data: data, Meta: meta})
}

// badRequest sends a 400 with the given message.
func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: "BAD_REQUEST", Message: message},
	})
}

// notFound sends a 404 with the given message.
func notFound(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: "NOT_FOUND", Message: message},
	})
}

// internalError sends a 500 with the given message.
func internalError(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: "INTERNAL_ERROR", Message: message},
	})
}

// serviceUnavailable sends a 503 with the given message, used by the
// health/ready probes when a dependency is down.
func serviceUnavailable(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(Response{
		Success: false,
		Error:   &ErrorInfo{Code: "UNAVAILABLE", Message: message},
	})
}
