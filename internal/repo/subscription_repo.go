// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for subscriptions
// and their confirmation tokens.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// CreateSubscription inserts a pending subscription. A taken email maps to
// ErrDuplicate.
func CreateSubscription(ctx context.Context, db *gorm.DB, email, name string, now time.Time) (*domain.Subscription, error) {
	s := &domain.Subscription{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		Status:       domain.StatusPendingConfirmation,
		SubscribedAt: now.UTC(),
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return s, nil
}

// GetSubscriptionByEmail returns the subscription for email, or ErrNotFound.
func GetSubscriptionByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.Subscription, error) {
	var s domain.Subscription
	if err := db.WithContext(ctx).Where("email = ?", email).Take(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// StoreSubscriptionToken links token to subscriberID.
func StoreSubscriptionToken(ctx context.Context, db *gorm.DB, subscriberID, token string) error {
	return db.WithContext(ctx).
		Omit("Subscriber").
		Create(&domain.SubscriptionToken{Token: token, SubscriberID: subscriberID}).Error
}

// GetSubscriberIDFromToken resolves a confirmation token, or ErrNotFound.
func GetSubscriberIDFromToken(ctx context.Context, db *gorm.DB, token string) (string, error) {
	var t domain.SubscriptionToken
	err := db.WithContext(ctx).
		Select("subscriber_id").
		Where("subscription_token = ?", token).
		Take(&t).Error
	if err != nil {
		return "", err
	}
	return t.SubscriberID, nil
}

// ConfirmSubscriber marks the subscription confirmed. Confirming twice is a
// no-op; an unknown id is ErrNotFound.
func ConfirmSubscriber(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", id).
		Update("status", domain.StatusConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
