// Package quotecache implements the server-side, single-use,
// TTL-bound store for external-fulfillment quotes (spec §4.12 step 1),
// generalized from the teacher's packages/com.r3e.services.gasbank
// settlement dedup cache (a sync.Map of seen tokens, swept by a
// ticker) applied to quote tokens instead of settlement tx hashes.
package quotecache

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/storage"
)

// DefaultTTL matches spec §3's stated default.
const DefaultTTL = time.Hour

// Quote is an in-flight cached quote, mirroring storage.CachedQuote's
// fields without the persistence-layer db tags.
type Quote struct {
	Provider   string
	Service    string
	Material   string
	Quantity   int
	TotalPrice float64
	Currency   string
	UserEmail  string
	ExpiresAt  time.Time
}

// Cache is the in-memory quote store, optionally durably backed so a
// restart does not silently forget in-flight quotes before their TTL
// elapses (spec §3's "optional durable backing").
type Cache struct {
	mu     sync.Mutex
	quotes map[string]Quote
	repo   storage.QuoteRepository // may be nil: memory-only
}

func New(repo storage.QuoteRepository) *Cache {
	return &Cache{quotes: make(map[string]Quote), repo: repo}
}

// Put generates an unguessable token, caches q under it with a TTL
// default of one hour if q.ExpiresAt is zero, and returns the token.
func (c *Cache) Put(ctx context.Context, q Quote) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if q.ExpiresAt.IsZero() {
		q.ExpiresAt = time.Now().Add(DefaultTTL)
	}

	c.mu.Lock()
	c.quotes[token] = q
	c.mu.Unlock()

	if c.repo != nil {
		row := &storage.CachedQuote{
			QuoteToken: token, Provider: q.Provider, Service: q.Service, Material: q.Material,
			Quantity: q.Quantity, TotalPrice: q.TotalPrice, Currency: q.Currency,
			UserEmail: q.UserEmail, ExpiresAt: q.ExpiresAt,
		}
		if err := c.repo.PutQuote(ctx, row); err != nil {
			return "", err
		}
	}
	return token, nil
}

// Pop atomically consumes and removes a quote by token — single use,
// per spec §3. Returns kerrors.KindQuoteNotFound if absent,
// kerrors.KindQuoteExpired if past expiry (and evicts it).
func (c *Cache) Pop(ctx context.Context, token string) (Quote, error) {
	c.mu.Lock()
	q, ok := c.quotes[token]
	if ok {
		delete(c.quotes, token)
	}
	c.mu.Unlock()

	if !ok {
		return Quote{}, kerrors.New(kerrors.KindQuoteNotFound, "quote token not found").WithDetail("token", token)
	}
	if c.repo != nil {
		_ = c.repo.DeleteQuote(ctx, token)
	}
	if time.Now().After(q.ExpiresAt) {
		return Quote{}, kerrors.New(kerrors.KindQuoteExpired, "quote token expired").WithDetail("token", token)
	}
	return q, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
