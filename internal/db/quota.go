package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UserQuota tracks per-user evaluation usage against soft and hard limits.
// The soft limit produces a warning; the hard limit blocks platform-token
// evaluations.
type UserQuota struct {
	UserID       string
	SimpleUsed   int
	SimpleSoft   int
	SimpleHard   int
	AdvancedUsed int
	AdvancedSoft int
	AdvancedHard int
	UpdatedAt    time.Time
}

// Used returns the used counter for a kind.
func (q *UserQuota) Used(kind QuotaKind) int {
	if kind == QuotaAdvanced {
		return q.AdvancedUsed
	}
	return q.SimpleUsed
}

// Soft returns the soft limit for a kind.
func (q *UserQuota) Soft(kind QuotaKind) int {
	if kind == QuotaAdvanced {
		return q.AdvancedSoft
	}
	return q.SimpleSoft
}

// Hard returns the hard limit for a kind.
func (q *UserQuota) Hard(kind QuotaKind) int {
	if kind == QuotaAdvanced {
		return q.AdvancedHard
	}
	return q.SimpleHard
}

const quotaCols = "user_id, simple_used, simple_soft, simple_hard, advanced_used, advanced_soft, advanced_hard, updated_at"

// GetUserQuota retrieves a user's quota row. Absent rows come back as the
// default quota so a never-seen user is not blocked.
func (s *Store) GetUserQuota(ctx context.Context, userID string) (*UserQuota, error) {
	row := s.QueryRow(ctx, "SELECT "+quotaCols+" FROM user_quotas WHERE user_id = ?", userID)

	var q UserQuota
	var updatedAt string
	err := row.Scan(&q.UserID, &q.SimpleUsed, &q.SimpleSoft, &q.SimpleHard,
		&q.AdvancedUsed, &q.AdvancedSoft, &q.AdvancedHard, &updatedAt)
	if err == sql.ErrNoRows {
		return &UserQuota{
			UserID:       userID,
			SimpleSoft:   80,
			SimpleHard:   100,
			AdvancedSoft: 15,
			AdvancedHard: 20,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user quota %s: %w", userID, err)
	}
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

// IncrementQuotaUsage bumps the used counter for a kind, creating the row
// with defaults on first use.
func (s *Store) IncrementQuotaUsage(ctx context.Context, userID string, kind QuotaKind) error {
	col := "simple_used"
	if kind == QuotaAdvanced {
		col = "advanced_used"
	}
	now := fmtTime(time.Now())
	_, err := s.Exec(ctx, `
		INSERT INTO user_quotas (user_id, `+col+`, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET `+col+` = user_quotas.`+col+` + 1, updated_at = excluded.updated_at
	`, userID, now)
	if err != nil {
		return fmt.Errorf("increment %s quota for %s: %w", kind, userID, err)
	}
	return nil
}

// DecrementQuotaUsage refunds one use of a kind, flooring at zero. Called
// when a billed pipeline trigger never reached the remote.
func (s *Store) DecrementQuotaUsage(ctx context.Context, userID string, kind QuotaKind) error {
	col := "simple_used"
	if kind == QuotaAdvanced {
		col = "advanced_used"
	}
	_, err := s.Exec(ctx, `
		UPDATE user_quotas
		SET `+col+` = `+col+` - 1, updated_at = ?
		WHERE user_id = ? AND `+col+` > 0
	`, fmtTime(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("decrement %s quota for %s: %w", kind, userID, err)
	}
	return nil
}
