package internal

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"gopkg.in/guregu/null.v3"

	"github.com/tokenlease/tokend/internal/db"
	"github.com/tokenlease/tokend/pkg/model"
)

type activateRequest struct {
	UserID string `json:"user_id"`
}

type activateResponse struct {
	TokenID     uuid.UUID `json:"token_id"`
	UserID      uuid.UUID `json:"user_id"`
	ActivatedAt time.Time `json:"activated_at"`
}

type tokenEntry struct {
	ID            uuid.UUID         `json:"id"`
	Status        model.TokenStatus `json:"status"`
	CurrentUserID null.String       `json:"current_user_id"`
	ActivatedAt   null.Time         `json:"activated_at"`
}

type usageEntry struct {
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   null.Time `json:"ended_at"`
}

func newTokenEntry(t *model.Token) tokenEntry {
	return tokenEntry{
		ID:            t.ID,
		Status:        t.Status,
		CurrentUserID: t.CurrentUserID,
		ActivatedAt:   t.ActivatedAt,
	}
}

func newUsageEntry(u *model.TokenUsage) usageEntry {
	return usageEntry{
		UserID:    u.UserID.String(),
		StartedAt: u.StartedAt,
		EndedAt:   u.EndedAt,
	}
}

func dataEnvelope(v interface{}) map[string]interface{} {
	return map[string]interface{}{"data": v}
}

// postActivateToken handles POST /api/tokens/activate.
func (m *Master) postActivateToken(c echo.Context) (interface{}, error) {
	var req activateRequest
	if err := c.Bind(&req); err != nil {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed request body")
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "user_id must be a UUID")
	}

	token, usage, err := m.tokens.Activate(c.Request().Context(), userID)
	if err != nil {
		return nil, err
	}
	return dataEnvelope(activateResponse{
		TokenID:     token.ID,
		UserID:      usage.UserID,
		ActivatedAt: usage.StartedAt,
	}), nil
}

// getTokens handles GET /api/tokens. The state cache serves the list; an
// empty cache (e.g. before the first reload finished) falls back to the
// repository.
func (m *Master) getTokens(c echo.Context) (interface{}, error) {
	tokens := m.cache.ListAll()
	if len(tokens) == 0 {
		var err error
		tokens, err = m.repo.ListTokens(c.Request().Context(), db.Bun())
		if err != nil {
			return nil, err
		}
	}
	entries := make([]tokenEntry, 0, len(tokens))
	for _, t := range tokens {
		entries = append(entries, newTokenEntry(t))
	}
	return dataEnvelope(entries), nil
}

type tokenDetail struct {
	tokenEntry
	ActiveUsage *usageEntry `json:"active_usage"`
}

// getToken handles GET /api/tokens/:token_id.
func (m *Master) getToken(c echo.Context) (interface{}, error) {
	tokenID, err := uuid.Parse(c.Param("token_id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no such token")
	}

	detail := tokenDetail{}
	if t, ok := m.cache.Get(tokenID); ok {
		detail.tokenEntry = newTokenEntry(t)
		if t.IsActive() && t.CurrentUserID.Valid && t.ActivatedAt.Valid {
			detail.ActiveUsage = &usageEntry{
				UserID:    t.CurrentUserID.String,
				StartedAt: t.ActivatedAt.Time,
			}
		}
		return dataEnvelope(detail), nil
	}

	t, err := m.repo.GetToken(c.Request().Context(), db.Bun(), tokenID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no such token")
	}
	if err != nil {
		return nil, err
	}
	detail.tokenEntry = newTokenEntry(t)
	if open := t.OpenUsage(); open != nil {
		entry := newUsageEntry(open)
		detail.ActiveUsage = &entry
	}
	return dataEnvelope(detail), nil
}

type historyResponse struct {
	TokenID uuid.UUID    `json:"token_id"`
	Usages  []usageEntry `json:"usages"`
}

// getTokenHistory handles GET /api/tokens/:token_id/history. History always
// reads through the repository for guaranteed freshness and includes the
// open usage, newest first.
func (m *Master) getTokenHistory(c echo.Context) (interface{}, error) {
	tokenID, err := uuid.Parse(c.Param("token_id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "no such token")
	}

	if _, err := m.repo.GetToken(c.Request().Context(), db.Bun(), tokenID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "no such token")
		}
		return nil, err
	}

	usages, err := m.repo.GetTokenHistory(c.Request().Context(), db.Bun(), tokenID)
	if err != nil {
		return nil, err
	}
	entries := make([]usageEntry, 0, len(usages))
	for _, u := range usages {
		entries = append(entries, newUsageEntry(u))
	}
	return dataEnvelope(historyResponse{TokenID: tokenID, Usages: entries}), nil
}

// postClearTokens handles POST /api/tokens/clear.
func (m *Master) postClearTokens(c echo.Context) (interface{}, error) {
	cleared, err := m.tokens.ClearActive(c.Request().Context())
	if err != nil {
		return nil, err
	}
	return dataEnvelope(map[string]int{"cleared_tokens": cleared}), nil
}

// getHealth handles GET /api/health.
func (m *Master) getHealth(c echo.Context) (interface{}, error) {
	stats := m.cache.Stats()
	return map[string]interface{}{
		"status": "ok",
		"stats":  stats,
	}, nil
}
