package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/internal/pool"
)

// ErrorStatus maps domain errors onto HTTP status codes. Unknown errors are
// internal server errors so that driver details never leak to callers.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrAlreadyHasActiveToken),
		errors.Is(err, pool.ErrNoTokensAvailable),
		errors.Is(err, pool.ErrInvalidTokenState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrTokenNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// JSONErrorHandler sends the {"errors": {"detail": ...}} envelope for every
// failed request.
func JSONErrorHandler(err error, c echo.Context) {
	code := ErrorStatus(err)
	detail := err.Error()

	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		detail = fmt.Sprint(he.Message)
	}
	if code >= 500 {
		c.Logger().Error(err)
		detail = "internal server error"
	}
	if c.Response().Committed {
		return
	}
	if jErr := c.JSON(code, map[string]interface{}{
		"errors": map[string]string{"detail": detail},
	}); jErr != nil {
		c.Logger().Error(jErr)
	}
}
