// Package api holds echo plumbing shared by the HTTP handlers.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Route adapts a handler returning (body, error) into an echo.HandlerFunc
// that renders the body as JSON with status 200.
func Route(handler func(c echo.Context) (interface{}, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, err := handler(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, resp)
	}
}
