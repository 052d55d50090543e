// Package statecache keeps an in-memory, eventually consistent mirror of
// token states for fast reads. It is never authoritative: the allocator's
// post-commit hooks and the event bus feed it, and a periodic reconciler
// rebuilds it from the store to correct drift from missed events.
package statecache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tokenlease/tokend/internal/prom"
	"github.com/tokenlease/tokend/internal/stream"
	"github.com/tokenlease/tokend/pkg/model"
)

// DefaultReconcileInterval is how often the cache reloads itself from the
// store.
const DefaultReconcileInterval = 5 * time.Minute

// TokenLister loads the authoritative token set; implemented by the pool
// repository via an adapter in the wiring layer.
type TokenLister interface {
	ListTokens(ctx context.Context) ([]*model.Token, error)
}

// TokenListerFunc adapts a function to the TokenLister interface.
type TokenListerFunc func(ctx context.Context) ([]*model.Token, error)

// ListTokens implements TokenLister.
func (f TokenListerFunc) ListTokens(ctx context.Context) ([]*model.Token, error) {
	return f(ctx)
}

// Stats summarizes the cached pool state.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Available int `json:"available"`
}

// snapshot is an immutable view of the pool. Readers load it atomically and
// never see partial writes.
type snapshot struct {
	tokens map[uuid.UUID]*model.Token
}

// TokenStateManager mirrors token states in memory. Reads are lock-free
// against an atomically swapped snapshot; writes serialize on a single
// mutex and publish a fresh snapshot per mutation (copy-on-write over a
// fixed 100-entry map, which is cheap).
type TokenStateManager struct {
	current atomic.Pointer[snapshot]
	writeMu sync.Mutex

	lister    TokenLister
	bus       *stream.Bus
	reconcile time.Duration

	log *log.Entry
}

// New creates an empty cache. Call Reload before serving reads and Run to
// start the event feed and the periodic reconciler.
func New(lister TokenLister, bus *stream.Bus, reconcile time.Duration) *TokenStateManager {
	if reconcile <= 0 {
		reconcile = DefaultReconcileInterval
	}
	m := &TokenStateManager{
		lister:    lister,
		bus:       bus,
		reconcile: reconcile,
		log:       log.WithField("component", "token-state-cache"),
	}
	m.current.Store(&snapshot{tokens: map[uuid.UUID]*model.Token{}})
	return m
}

// Get returns a copy of the cached token, or false if unknown.
func (m *TokenStateManager) Get(tokenID uuid.UUID) (*model.Token, bool) {
	snap := m.current.Load()
	t, ok := snap.tokens[tokenID]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// ListAll returns every cached token sorted by activated_at descending,
// nulls last.
func (m *TokenStateManager) ListAll() []*model.Token {
	return m.list(func(*model.Token) bool { return true })
}

// ListActive returns the cached active tokens, most recently activated
// first.
func (m *TokenStateManager) ListActive() []*model.Token {
	return m.list(func(t *model.Token) bool { return t.IsActive() })
}

// ListAvailable returns the cached available tokens.
func (m *TokenStateManager) ListAvailable() []*model.Token {
	return m.list(func(t *model.Token) bool { return !t.IsActive() })
}

func (m *TokenStateManager) list(keep func(*model.Token) bool) []*model.Token {
	snap := m.current.Load()
	out := make([]*model.Token, 0, len(snap.tokens))
	for _, t := range snap.tokens {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.ActivatedAt.Valid && b.ActivatedAt.Valid:
			if !a.ActivatedAt.Time.Equal(b.ActivatedAt.Time) {
				return a.ActivatedAt.Time.After(b.ActivatedAt.Time)
			}
		case a.ActivatedAt.Valid:
			return true
		case b.ActivatedAt.Valid:
			return false
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

// Stats returns pool counters from the current snapshot.
func (m *TokenStateManager) Stats() Stats {
	snap := m.current.Load()
	st := Stats{Total: len(snap.tokens)}
	for _, t := range snap.tokens {
		if t.IsActive() {
			st.Active++
		} else {
			st.Available++
		}
	}
	return st
}

// MarkActive records a token as active using the committed row.
func (m *TokenStateManager) MarkActive(t *model.Token) {
	cp := *t
	cp.Usages = nil
	m.apply(func(tokens map[uuid.UUID]*model.Token) {
		tokens[cp.ID] = &cp
	})
}

// MarkAvailable records a token as released.
func (m *TokenStateManager) MarkAvailable(tokenID uuid.UUID) {
	m.apply(func(tokens map[uuid.UUID]*model.Token) {
		markAvailable(tokens, tokenID)
	})
}

// BulkMarkAvailable records many tokens as released in one snapshot swap.
func (m *TokenStateManager) BulkMarkAvailable(tokenIDs []uuid.UUID) {
	if len(tokenIDs) == 0 {
		return
	}
	m.apply(func(tokens map[uuid.UUID]*model.Token) {
		for _, id := range tokenIDs {
			markAvailable(tokens, id)
		}
	})
}

func markAvailable(tokens map[uuid.UUID]*model.Token, tokenID uuid.UUID) {
	old, ok := tokens[tokenID]
	if !ok {
		// Unknown to the cache; the reconciler will pick the row up.
		return
	}
	cp := *old
	cp.Status = model.TokenStatusAvailable
	cp.CurrentUserID.Valid = false
	cp.ActivatedAt.Valid = false
	cp.Usages = nil
	tokens[tokenID] = &cp
}

// Reload rebuilds the snapshot from the store.
func (m *TokenStateManager) Reload(ctx context.Context) error {
	tokens, err := m.lister.ListTokens(ctx)
	if err != nil {
		return err
	}
	fresh := make(map[uuid.UUID]*model.Token, len(tokens))
	for _, t := range tokens {
		cp := *t
		fresh[cp.ID] = &cp
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.current.Store(&snapshot{tokens: fresh})
	m.observe()
	return nil
}

// apply runs one mutation against a copy of the current map and swaps the
// snapshot in. The mutex is the single-writer guarantee.
func (m *TokenStateManager) apply(mutate func(map[uuid.UUID]*model.Token)) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.current.Load()
	fresh := make(map[uuid.UUID]*model.Token, len(old.tokens))
	for id, t := range old.tokens {
		fresh[id] = t
	}
	mutate(fresh)
	m.current.Store(&snapshot{tokens: fresh})
	m.observe()
}

func (m *TokenStateManager) observe() {
	snap := m.current.Load()
	active := 0
	for _, t := range snap.tokens {
		if t.IsActive() {
			active++
		}
	}
	prom.ActiveTokens.Set(float64(active))
}

// Run consumes bus events and periodically reconciles the cache from the
// store until the context is canceled.
func (m *TokenStateManager) Run(ctx context.Context) error {
	var events <-chan model.TokenEvent
	if m.bus != nil {
		sub := m.bus.SubscribeAll()
		defer sub.Close()
		events = sub.C
	}

	ticker := time.NewTicker(m.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.handleEvent(ev)
		case <-ticker.C:
			if err := m.Reload(ctx); err != nil {
				m.log.WithError(err).Error("periodic cache reconciliation failed")
			}
		}
	}
}

// handleEvent folds a bus event into the cache. Events may arrive after the
// allocator already applied the same change directly; both paths are
// idempotent.
func (m *TokenStateManager) handleEvent(ev model.TokenEvent) {
	switch ev.Kind {
	case model.TokenReleased:
		m.MarkAvailable(ev.TokenID)
	case model.TokenActivated:
		m.apply(func(tokens map[uuid.UUID]*model.Token) {
			old, ok := tokens[ev.TokenID]
			if !ok {
				return
			}
			cp := *old
			cp.Status = model.TokenStatusActive
			cp.CurrentUserID = ev.UserID
			cp.ActivatedAt = ev.ActivatedAt
			cp.Usages = nil
			tokens[ev.TokenID] = &cp
		})
	}
}
