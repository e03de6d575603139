package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func tokenFromMail(t *testing.T, m sentMail) string {
	t.Helper()
	i := strings.Index(m.Text, "http")
	if i < 0 {
		t.Fatalf("no link in mail: %q", m.Text)
	}
	link := strings.Fields(m.Text[i:])[0]
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("subscription_token")
}

func TestSubscribeThenConfirm(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	svc := &SubscriptionService{DB: db, Mailer: mailer, ConfirmURL: "http://localhost/api/v1/subscriptions/confirm"}
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "ursula@x.com", "Ursula"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].To != "ursula@x.com" {
		t.Fatalf("expected one confirmation mail, got %+v", mailer.sent)
	}
	if !strings.Contains(mailer.sent[0].HTML, "subscription_token=") {
		t.Fatalf("html body lacks link: %q", mailer.sent[0].HTML)
	}

	sub, _ := repo.GetSubscriptionByEmail(ctx, db, "ursula@x.com")
	if sub.Status != domain.StatusPendingConfirmation {
		t.Fatalf("expected pending, got %q", sub.Status)
	}

	if err := svc.Confirm(ctx, tokenFromMail(t, mailer.sent[0])); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	sub, _ = repo.GetSubscriptionByEmail(ctx, db, "ursula@x.com")
	if sub.Status != domain.StatusConfirmed {
		t.Fatalf("expected confirmed, got %q", sub.Status)
	}

	if err := svc.Subscribe(ctx, "ursula@x.com", "Ursula"); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestSubscribe_PendingResendsNewToken(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	svc := &SubscriptionService{DB: db, Mailer: mailer, ConfirmURL: "http://h/c"}
	ctx := context.Background()

	_ = svc.Subscribe(ctx, "a@x.com", "A")
	if err := svc.Subscribe(ctx, "a@x.com", "A"); err != nil {
		t.Fatalf("second subscribe while pending: %v", err)
	}
	if len(mailer.sent) != 2 {
		t.Fatalf("expected two mails, got %d", len(mailer.sent))
	}
	if tokenFromMail(t, mailer.sent[0]) == tokenFromMail(t, mailer.sent[1]) {
		t.Fatalf("expected a fresh token")
	}
}

func TestSubscribe_ValidationAndMailFailure(t *testing.T) {
	db := newTestDB(t)
	mailer := &fakeMailer{}
	svc := &SubscriptionService{DB: db, Mailer: mailer, ConfirmURL: "http://h/c"}
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "not-an-email", "A"); !errors.Is(err, domain.ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if err := svc.Subscribe(ctx, "a@x.com", "<b>"); !errors.Is(err, domain.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}

	mailer.err = errors.New("smtp down")
	if err := svc.Subscribe(ctx, "a@x.com", "A"); !errors.Is(err, ErrConfirmationEmail) {
		t.Fatalf("expected ErrConfirmationEmail, got %v", err)
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	svc := &SubscriptionService{DB: newTestDB(t)}
	for _, tok := range []string{"", "nope"} {
		if err := svc.Confirm(context.Background(), tok); !errors.Is(err, ErrTokenNotFound) {
			t.Fatalf("Confirm(%q) = %v; want ErrTokenNotFound", tok, err)
		}
	}
}
