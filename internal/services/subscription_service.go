// Package services – SubscriptionService
//
// SubscriptionService runs the double opt-in flow: a subscribe request stores
// a pending subscription plus a confirmation token and mails the link; the
// link marks the subscription confirmed, which makes it part of every later
// publish snapshot.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// Mailer sends one email. The delivery worker and this service share the
// same SMTP adapter.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, html, text string) error
}

// SubscriptionService provides subscribe and confirm.
type SubscriptionService struct {
	DB     *gorm.DB
	Mailer Mailer

	// ConfirmURL is the absolute confirmation endpoint; the token is added
	// as the subscription_token query parameter.
	ConfirmURL string
	Tracer     trace.Tracer
}

// Subscribe validates the input, stores a pending subscription (or reuses a
// pending one) with a fresh token, and mails the confirmation link.
func (s *SubscriptionService) Subscribe(ctx context.Context, email, name string) error {
	ctx, span := s.tracer().Start(ctx, "Subscribe")
	defer span.End()

	email, err := domain.ParseSubscriberEmail(email)
	if err != nil {
		return err
	}
	name, err = domain.ParseSubscriberName(name)
	if err != nil {
		return err
	}

	token := newSubscriptionToken()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := repo.GetSubscriptionByEmail(ctx, tx, email)
		switch {
		case err == nil:
			if sub.Status == domain.StatusConfirmed {
				return ErrAlreadySubscribed
			}
		case errors.Is(err, repo.ErrNotFound):
			sub, err = repo.CreateSubscription(ctx, tx, email, name, time.Now())
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrAlreadySubscribed
			}
			if err != nil {
				return err
			}
		default:
			return err
		}
		span.SetAttributes(attribute.String("subscriber.id", sub.ID))
		return repo.StoreSubscriptionToken(ctx, tx, sub.ID, token)
	})
	if err != nil {
		return err
	}

	if err := s.sendConfirmation(ctx, email, token); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrConfirmationEmail, err)
	}
	return nil
}

// Confirm marks the subscriber owning token as confirmed.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	ctx, span := s.tracer().Start(ctx, "Confirm")
	defer span.End()

	token = strings.TrimSpace(token)
	if token == "" {
		return ErrTokenNotFound
	}
	id, err := repo.GetSubscriberIDFromToken(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	span.SetAttributes(attribute.String("subscriber.id", id))
	if err := repo.ConfirmSubscriber(ctx, s.DB, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrTokenNotFound
		}
		return err
	}
	return nil
}

func (s *SubscriptionService) sendConfirmation(ctx context.Context, email, token string) error {
	if s.Mailer == nil {
		return errors.New("no mailer configured")
	}
	link := s.ConfirmURL + "?subscription_token=" + url.QueryEscape(token)
	html := fmt.Sprintf(`Welcome to our newsletter!<br />Click <a href="%s">here</a> to confirm your subscription.`, link)
	text := fmt.Sprintf("Welcome to our newsletter!\nVisit %s to confirm your subscription.", link)
	return s.Mailer.Send(ctx, email, "Welcome!", html, text)
}

func (s *SubscriptionService) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("services/SubscriptionService")
}

func newSubscriptionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
