// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the delivery queue: one row per
// (issue, recipient) that is pending until a worker deletes it.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

const enqueueBatchSize = 500

// EnqueueConfirmedSubscribers inserts one task per confirmed subscriber for
// issueID with a single INSERT ... SELECT, so the recipient snapshot is taken
// in the caller's transaction. It returns the number of tasks inserted.
func EnqueueConfirmedSubscribers(ctx context.Context, tx *gorm.DB, issueID string) (int64, error) {
	res := tx.WithContext(ctx).Exec(
		`INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email)
		 SELECT ?, email FROM subscriptions WHERE status = ?`,
		issueID, domain.StatusConfirmed,
	)
	return res.RowsAffected, res.Error
}

// EnqueueRecipients inserts one task per address in batches. Repeated
// addresses collapse to a single task.
func EnqueueRecipients(ctx context.Context, tx *gorm.DB, issueID string, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	seen := make(map[string]struct{}, len(emails))
	tasks := make([]domain.DeliveryTask, 0, len(emails))
	for _, e := range emails {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		tasks = append(tasks, domain.DeliveryTask{NewsletterIssueID: issueID, SubscriberEmail: e})
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Omit(clause.Associations).
		CreateInBatches(&tasks, enqueueBatchSize)
	return res.RowsAffected, res.Error
}

// DequeueTask locks one pending task with FOR UPDATE SKIP LOCKED and returns
// it, or ErrNotFound when no unlocked task exists. No ordering is applied.
// SQLite drops the locking clause; its single writer serializes callers.
func DequeueTask(ctx context.Context, tx *gorm.DB) (*domain.DeliveryTask, error) {
	var t domain.DeliveryTask
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Select("newsletter_issue_id", "subscriber_email").
		Take(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTask removes the task for (issueID, email).
func DeleteTask(ctx context.Context, tx *gorm.DB, issueID, email string) error {
	return tx.WithContext(ctx).
		Where("newsletter_issue_id = ? AND subscriber_email = ?", issueID, email).
		Delete(&domain.DeliveryTask{}).Error
}

// CountPendingTasks counts the tasks left for issueID, or for every issue
// when issueID is empty.
func CountPendingTasks(ctx context.Context, db *gorm.DB, issueID string) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.DeliveryTask{})
	if issueID != "" {
		q = q.Where("newsletter_issue_id = ?", issueID)
	}
	err := q.Count(&n).Error
	return n, err
}
