package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/internal/pool"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{pool.ErrAlreadyHasActiveToken, http.StatusUnprocessableEntity},
		{pool.ErrNoTokensAvailable, http.StatusUnprocessableEntity},
		{pool.ErrInvalidTokenState, http.StatusUnprocessableEntity},
		{errors.Wrap(pool.ErrNoTokensAvailable, "activating"), http.StatusUnprocessableEntity},
		{pool.ErrTokenNotFound, http.StatusNotFound},
		{db.ErrNotFound, http.StatusNotFound},
		{errors.New("driver broke"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.code, ErrorStatus(tc.err), "error %v", tc.err)
	}
}

func newTestContext(t *testing.T) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/tokens", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestJSONErrorHandlerEnvelope(t *testing.T) {
	c, rec := newTestContext(t)
	JSONErrorHandler(pool.ErrAlreadyHasActiveToken, c)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t,
		`{"errors": {"detail": "user already has an active token"}}`,
		rec.Body.String())
}

func TestJSONErrorHandlerHidesInternalDetails(t *testing.T) {
	c, rec := newTestContext(t)
	JSONErrorHandler(errors.New("pq: connection refused"), c)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t,
		`{"errors": {"detail": "internal server error"}}`,
		rec.Body.String())
}

func TestJSONErrorHandlerRespectsHTTPError(t *testing.T) {
	c, rec := newTestContext(t)
	JSONErrorHandler(echo.NewHTTPError(http.StatusNotFound, "no such token"), c)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t,
		`{"errors": {"detail": "no such token"}}`,
		rec.Body.String())
}

func TestRouteRendersBody(t *testing.T) {
	c, rec := newTestContext(t)
	h := Route(func(echo.Context) (interface{}, error) {
		return map[string]int{"n": 3}, nil
	})
	require.NoError(t, h(c))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"n": 3}`, rec.Body.String())
}

func TestRoutePropagatesError(t *testing.T) {
	c, _ := newTestContext(t)
	h := Route(func(echo.Context) (interface{}, error) {
		return nil, pool.ErrNoTokensAvailable
	})
	require.ErrorIs(t, h(c), pool.ErrNoTokensAvailable)
}
