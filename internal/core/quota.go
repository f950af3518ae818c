package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/backtrue/mitenow-sub001/internal/model"
)

// quotaStatuses are the application statuses that count against a quota.
var quotaStatuses = []string{model.StatusAwaitingSecret, model.StatusBuilding, model.StatusActive}

// QuotaService tracks in-flight deployments per quota key (a user, or the
// client address of an anonymous caller).
type QuotaService struct {
	db DB
}

func NewQuotaService(db DB) *QuotaService {
	return &QuotaService{db: db}
}

// CheckAndReserve takes one unit of quota for key if it is under limit. The
// check and the increment are one statement, so two concurrent deploys cannot
// both pass on the last unit.
func (s *QuotaService) CheckAndReserve(ctx context.Context, key string, limit int) (bool, int, error) {
	if limit <= 0 {
		return false, 0, nil
	}

	var inFlight int
	err := s.db.QueryRow(ctx,
		`INSERT INTO user_quotas (key, in_flight, updated_at) VALUES ($1, 1, now())
		 ON CONFLICT (key) DO UPDATE SET in_flight = user_quotas.in_flight + 1, updated_at = now()
		 WHERE user_quotas.in_flight < $2
		 RETURNING in_flight`,
		key, limit,
	).Scan(&inFlight)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("reserve quota for %s: %w", key, err)
	}
	return true, limit - inFlight, nil
}

// Release returns one unit of quota. The counter never goes below zero.
func (s *QuotaService) Release(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE user_quotas SET in_flight = GREATEST(in_flight - 1, 0), updated_at = now() WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("release quota for %s: %w", key, err)
	}
	return nil
}

// Reconcile recomputes every counter from the application records and
// returns how many counters were corrected.
func (s *QuotaService) Reconcile(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE user_quotas q SET in_flight = c.n, updated_at = now()
		 FROM (
		   SELECT k.key, (SELECT count(*) FROM applications a WHERE a.quota_key = k.key AND a.status = ANY($1)) AS n
		   FROM user_quotas k
		 ) c
		 WHERE q.key = c.key AND q.in_flight <> c.n`,
		quotaStatuses,
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile quotas: %w", err)
	}
	return tag.RowsAffected(), nil
}
