package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/grabber/internal/metrics"
)

func writeBadRequest(c *echo.Context, route, msg string) error {
	return writeError(c, route, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeError(c *echo.Context, route string, status int, errType, msg, param string) error {
	return writeJSON(c, route, status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

func writeJSON(c *echo.Context, route string, status int, v any) error {
	metrics.RecordHTTPRequest(route, strconv.Itoa(status))
	return c.JSON(status, v)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newActivationsID() string {
	return "act_" + uuid.NewString()
}

// writeEncoded marshals v before writing anything. Encoding errors, such as
// NaN activations, become a 500 reply.
func writeEncoded(c *echo.Context, route string, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return writeError(c, route, http.StatusInternalServerError, "execution_error", "encode response: "+err.Error(), "")
	}
	metrics.RecordHTTPRequest(route, strconv.Itoa(status))
	return c.Blob(status, echo.MIMEApplicationJSON, b)
}
