// Package services – NewsletterService
//
// NewsletterService publishes issues into the delivery queue and exposes the
// read side used by the admin endpoints. Publishing inserts the issue and one
// delivery task per recipient in a single transaction; when the caller holds
// an idempotency claim, that transaction is the claim's.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

// PublishInput is the content of a new issue.
type PublishInput struct {
	Title string
	HTML  string
	Text  string
}

// PublishResult reports the stored issue and how many tasks were queued.
type PublishResult struct {
	IssueID    string `json:"issue_id"`
	Recipients int64  `json:"recipients"`
}

// IssueDetail is an issue together with its remaining deliveries.
type IssueDetail struct {
	domain.Issue
	PendingDeliveries int64 `json:"pending_deliveries"`
}

// NewsletterService coordinates issue persistence and queueing.
type NewsletterService struct {
	DB          *gorm.DB
	TitleMaxLen int
	Tracer      trace.Tracer

	now func() time.Time
}

// NewNewsletterService constructs a NewsletterService. A nil tp falls back
// to the global provider.
func NewNewsletterService(db *gorm.DB, tp trace.TracerProvider) *NewsletterService {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &NewsletterService{
		DB:          db,
		TitleMaxLen: 255,
		Tracer:      tp.Tracer("services/NewsletterService"),
		now:         time.Now,
	}
}

// Publish stores the issue and enqueues one task per confirmed subscriber.
// With a non-nil tx the writes join it and the caller commits; otherwise
// Publish runs its own transaction.
func (s *NewsletterService) Publish(ctx context.Context, tx *gorm.DB, in PublishInput) (*PublishResult, error) {
	ctx, span := s.tracer().Start(ctx, "Publish")
	defer span.End()

	in, err := s.validate(in)
	if err != nil {
		return nil, err
	}

	var res *PublishResult
	err = s.inTx(ctx, tx, func(tx *gorm.DB) error {
		is, err := repo.CreateIssue(ctx, tx, in.Title, in.HTML, in.Text, s.clock())
		if err != nil {
			return err
		}
		n, err := repo.EnqueueConfirmedSubscribers(ctx, tx, is.ID)
		if err != nil {
			return err
		}
		res = &PublishResult{IssueID: is.ID, Recipients: n}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("issue.id", res.IssueID),
		attribute.Int64("issue.recipients", res.Recipients),
	)
	return res, nil
}

// PublishTo stores the issue and enqueues one task per address in
// recipients. Invalid addresses are rejected before anything is written.
func (s *NewsletterService) PublishTo(ctx context.Context, tx *gorm.DB, in PublishInput, recipients []string) (*PublishResult, error) {
	ctx, span := s.tracer().Start(ctx, "PublishTo",
		trace.WithAttributes(attribute.Int("recipients.requested", len(recipients))))
	defer span.End()

	in, err := s.validate(in)
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(recipients))
	for _, r := range recipients {
		e, err := domain.ParseSubscriberEmail(r)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}

	var res *PublishResult
	err = s.inTx(ctx, tx, func(tx *gorm.DB) error {
		is, err := repo.CreateIssue(ctx, tx, in.Title, in.HTML, in.Text, s.clock())
		if err != nil {
			return err
		}
		n, err := repo.EnqueueRecipients(ctx, tx, is.ID, emails)
		if err != nil {
			return err
		}
		res = &PublishResult{IssueID: is.ID, Recipients: n}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// Get returns an issue with its pending delivery count.
func (s *NewsletterService) Get(ctx context.Context, id string) (*IssueDetail, error) {
	ctx, span := s.tracer().Start(ctx, "Get", trace.WithAttributes(attribute.String("issue.id", id)))
	defer span.End()

	is, err := repo.GetIssue(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, err
	}
	pending, err := repo.CountPendingTasks(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	return &IssueDetail{Issue: *is, PendingDeliveries: pending}, nil
}

// PendingDeliveries returns how many tasks remain for id, or for every
// issue when id is empty.
func (s *NewsletterService) PendingDeliveries(ctx context.Context, id string) (int64, error) {
	return repo.CountPendingTasks(ctx, s.DB, id)
}

// ListPage returns issues newest first with the total count.
func (s *NewsletterService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Issue, int64, error) {
	ctx, span := s.tracer().Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	offset, _, size := utils.Paginate(page, pageSize, 20, 100)

	total, err := repo.CountIssues(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Issue{}, 0, nil
	}
	items, err := repo.ListIssuesPage(ctx, s.DB, offset, size)
	return items, total, err
}

// Stats returns (count, latest PublishedAt) for ETag computation.
func (s *NewsletterService) Stats(ctx context.Context) (int64, *time.Time, error) {
	return repo.IssuesStats(ctx, s.DB)
}

func (s *NewsletterService) validate(in PublishInput) (PublishInput, error) {
	in.Title = normalizeTitle(in.Title)
	if in.Title == "" {
		return in, ErrEmptyTitle
	}
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(in.Title) > s.TitleMaxLen {
		return in, ErrTitleTooLong
	}
	if strings.TrimSpace(in.HTML) == "" && strings.TrimSpace(in.Text) == "" {
		return in, ErrEmptyContent
	}
	return in, nil
}

func (s *NewsletterService) inTx(ctx context.Context, tx *gorm.DB, fn func(*gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return s.DB.WithContext(ctx).Transaction(fn)
}

func (s *NewsletterService) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("services/NewsletterService")
}

func (s *NewsletterService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// normalizeTitle applies NFC and collapses runs of whitespace.
func normalizeTitle(t string) string {
	return strings.Join(strings.Fields(norm.NFC.String(t)), " ")
}
