package session

import (
	"context"
	"errors"
	"log/slog"

	"agency-portal-backend/internal/domain"
	"agency-portal-backend/pkg/logger"
)

// Fetcher loads profile rows. A missing row is not an error.
type Fetcher struct {
	repo    domain.ProfileRepository
	log     *slog.Logger
	metrics Metrics
}

func NewFetcher(repo domain.ProfileRepository, log *slog.Logger, metrics Metrics) *Fetcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Fetcher{repo: repo, log: logger.Or(log), metrics: metrics}
}

// Fetch returns nil, nil when the user has no profile row yet. Transport and
// permission failures are logged and returned so the caller can degrade.
func (f *Fetcher) Fetch(ctx context.Context, userID string) (*domain.ProfileRow, error) {
	if userID == "" || f.repo == nil {
		return nil, nil
	}
	row, err := f.repo.GetByID(ctx, userID)
	if errors.Is(err, domain.ErrProfileNotFound) {
		return nil, nil
	}
	if err != nil {
		f.metrics.ProfileFetchFailed()
		f.log.Warn("profile fetch failed", "user_id", userID, "error", err)
		return nil, err
	}
	return row, nil
}
