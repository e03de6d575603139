// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for newsletter
// issues.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateIssue inserts a new issue with a fresh UUID.
func CreateIssue(ctx context.Context, db *gorm.DB, title, html, text string, now time.Time) (*domain.Issue, error) {
	is := &domain.Issue{
		ID:          uuid.NewString(),
		Title:       title,
		HTMLContent: html,
		TextContent: text,
		PublishedAt: now.UTC(),
	}
	if err := db.WithContext(ctx).Create(is).Error; err != nil {
		return nil, err
	}
	return is, nil
}

// GetIssue fetches an issue by id, or ErrNotFound.
func GetIssue(ctx context.Context, db *gorm.DB, id string) (*domain.Issue, error) {
	var is domain.Issue
	if err := db.WithContext(ctx).Where("newsletter_issue_id = ?", id).Take(&is).Error; err != nil {
		return nil, err
	}
	return &is, nil
}

// CountIssues uses a raw COUNT so a missing table surfaces as an error.
func CountIssues(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM newsletter_issues").Scan(&total).Error
	return total, err
}

// ListIssuesPage returns issues newest first.
func ListIssuesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Issue, error) {
	var out []domain.Issue
	err := db.WithContext(ctx).
		Order("published_at DESC, newsletter_issue_id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
