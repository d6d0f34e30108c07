package account

import (
	"context"

	"github.com/rs/zerolog"
)

// Resolver answers limits lookups from the cache, falling back to the repository. Limits are consulted on every
// connect, so the database is shielded behind a short-TTL cache.
type Resolver struct {
	repo  Repository
	cache Cache
	log   zerolog.Logger
}

// NewResolver creates a new account limits resolver.
func NewResolver(repo Repository, cache Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{repo: repo, cache: cache, log: logger}
}

// Limits returns the connection and rate-limit ceilings for an account, using the cache when available.
func (r *Resolver) Limits(ctx context.Context, accountID string) (Limits, error) {
	limits, ok, err := r.cache.Get(ctx, accountID)
	if err != nil {
		// Cache error is non-fatal; fall through to the database
		r.log.Warn().Err(err).Msg("Account limits cache get failed, falling through to database")
	}
	if ok {
		return limits, nil
	}

	acct, err := r.repo.GetByID(ctx, accountID)
	if err != nil {
		return Limits{}, err
	}

	limits = Limits{
		MaxConnections:       acct.MaxConnections,
		MaxRequestsPerMinute: acct.MaxRequestsPerMinute,
	}

	// Cache the result (best-effort)
	if cacheErr := r.cache.Set(ctx, accountID, limits); cacheErr != nil {
		r.log.Warn().Err(cacheErr).Msg("Account limits cache set failed")
	}

	return limits, nil
}
