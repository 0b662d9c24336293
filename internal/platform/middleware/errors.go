package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorHandler renders every error as JSON. An *echo.HTTPError whose message
// is a map is written as-is; any other message becomes {"error": msg}.
// Errors that are not HTTPErrors are 500s and their detail is only logged.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he := &echo.HTTPError{Code: http.StatusInternalServerError, Message: "Internal server error"}
		if !errors.As(err, &he) {
			logger.Error().Err(err).Str("request_id", RequestIDFromContext(c)).Msg("unhandled error")
		} else if he.Code >= 500 && he.Internal != nil {
			logger.Error().Err(he.Internal).Str("request_id", RequestIDFromContext(c)).Int("status", he.Code).Msg("request failed")
		}

		var body interface{}
		switch msg := he.Message.(type) {
		case map[string]interface{}:
			body = msg
		case string:
			body = map[string]interface{}{"error": msg}
		case error:
			body = map[string]interface{}{"error": msg.Error()}
		default:
			body = map[string]interface{}{"error": http.StatusText(he.Code)}
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
