// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the storage half of the idempotency
// protocol: a claim inserts an empty placeholder row, and the response is
// written into it exactly once inside the same transaction.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// ErrNotPending is returned by SaveIdempotencyResponse when the row is
// missing or already carries a response.
var ErrNotPending = errors.New("idempotency record is not pending")

// InsertIdempotencyPlaceholder inserts an empty record for (userID, key)
// with ON CONFLICT DO NOTHING. It reports true when this call inserted the
// row. On Postgres a concurrent insert of the same key blocks until the
// holder's transaction ends and then affects zero rows.
func InsertIdempotencyPlaceholder(ctx context.Context, tx *gorm.DB, userID, key string, now time.Time) (bool, error) {
	rec := &domain.Idempotency{
		UserID:         userID,
		IdempotencyKey: key,
		CreatedAt:      now.UTC(),
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetSavedIdempotency returns the finalized record for (userID, key) or
// ErrNotFound. Placeholders still waiting for a response are not returned.
func GetSavedIdempotency(ctx context.Context, db *gorm.DB, userID, key string) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND response_status_code IS NOT NULL", userID, key).
		Take(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotencyResponse fills the placeholder for (userID, key). It only
// touches a row whose response is still NULL, so a record is written once.
func SaveIdempotencyResponse(ctx context.Context, tx *gorm.DB, userID, key string, status int, headers, body []byte) error {
	res := tx.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("user_id = ? AND idempotency_key = ? AND response_status_code IS NULL", userID, key).
		Updates(map[string]any{
			"response_status_code": status,
			"response_headers":     headers,
			"response_body":        body,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrNotPending
	}
	return nil
}

// PurgeIdempotency deletes records created before the cutoff and returns
// how many were removed.
func PurgeIdempotency(ctx context.Context, db *gorm.DB, before time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
