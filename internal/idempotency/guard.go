// Package idempotency makes a retried mutating request run its side effects
// once. The first request for an (owner, key) pair claims the key by
// inserting a placeholder row inside a transaction it keeps open; the
// handler performs its writes on that transaction and SaveResponse commits
// them together with the response. Every other request for the same pair
// either waits on the claim (Postgres row lock, SQLite single writer) or
// finds the saved response and replays it.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

// ErrNoSavedResponse is returned by GetSavedResponse when the pair has no
// finalized record.
var ErrNoSavedResponse = errors.New("no saved response")

// Response is a cached HTTP response. Body is opaque.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NextAction is the outcome of TryProcessing. Exactly one field is set:
// Tx when the caller won the claim and must finish with SaveResponse or
// Abort, Saved when an earlier request already produced the response.
type NextAction struct {
	Tx    *gorm.DB
	Saved *Response
}

// StartProcessing reports whether the caller holds the claim.
func (a NextAction) StartProcessing() bool { return a.Tx != nil }

// Guard coordinates claims against the idempotency table.
type Guard struct {
	DB  *gorm.DB
	TTL time.Duration

	tracer trace.Tracer
	now    func() time.Time
}

// NewGuard returns a Guard. A nil tp falls back to the global provider.
func NewGuard(db *gorm.DB, ttl time.Duration, tp trace.TracerProvider) *Guard {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Guard{
		DB:     db,
		TTL:    ttl,
		tracer: tp.Tracer("idempotency"),
		now:    time.Now,
	}
}

// TryProcessing claims (owner, key). The returned transaction is bound to
// ctx: cancelling ctx rolls it back.
func (g *Guard) TryProcessing(ctx context.Context, owner string, key Key) (NextAction, error) {
	ctx, span := g.tracer.Start(ctx, "Guard.TryProcessing",
		trace.WithAttributes(attribute.String("user.id", owner)))
	defer span.End()

	tx := g.DB.WithContext(ctx).Begin()
	if tx.Error != nil {
		span.RecordError(tx.Error)
		span.SetStatus(codes.Error, "begin")
		return NextAction{}, fmt.Errorf("begin idempotency claim: %w", tx.Error)
	}

	inserted, err := repo.InsertIdempotencyPlaceholder(ctx, tx, owner, key.String(), g.now())
	if err != nil {
		_ = g.Abort(tx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert placeholder")
		return NextAction{}, fmt.Errorf("insert idempotency placeholder: %w", err)
	}
	if inserted {
		span.SetAttributes(attribute.String("idempotency.action", "start_processing"))
		return NextAction{Tx: tx}, nil
	}

	if err := g.Abort(tx); err != nil {
		return NextAction{}, err
	}
	saved, err := g.GetSavedResponse(ctx, owner, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load saved response")
		return NextAction{}, err
	}
	span.SetAttributes(attribute.String("idempotency.action", "return_saved_response"))
	return NextAction{Saved: saved}, nil
}

// GetSavedResponse reads the finalized response for (owner, key) without
// claiming anything.
func (g *Guard) GetSavedResponse(ctx context.Context, owner string, key Key) (*Response, error) {
	rec, err := repo.GetSavedIdempotency(ctx, g.DB, owner, key.String())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNoSavedResponse
		}
		return nil, fmt.Errorf("load saved response: %w", err)
	}

	resp := &Response{
		StatusCode: *rec.ResponseStatusCode,
		Header:     http.Header{},
		Body:       rec.ResponseBody,
	}
	if len(rec.ResponseHeaders) > 0 {
		if err := json.Unmarshal(rec.ResponseHeaders, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode saved headers: %w", err)
		}
	}
	return resp, nil
}

// SaveResponse stores resp in the claimed row and commits tx. It is the only
// way a claim's writes become visible. On failure tx is rolled back.
func (g *Guard) SaveResponse(ctx context.Context, tx *gorm.DB, owner string, key Key, resp Response) (*Response, error) {
	ctx, span := g.tracer.Start(ctx, "Guard.SaveResponse",
		trace.WithAttributes(
			attribute.String("user.id", owner),
			attribute.Int("http.status_code", resp.StatusCode),
		))
	defer span.End()

	if tx == nil {
		return nil, errors.New("save response: nil transaction")
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	headers, err := json.Marshal(resp.Header)
	if err != nil {
		_ = g.Abort(tx)
		return nil, fmt.Errorf("encode headers: %w", err)
	}

	if err := repo.SaveIdempotencyResponse(ctx, tx, owner, key.String(), resp.StatusCode, headers, resp.Body); err != nil {
		_ = g.Abort(tx)
		span.RecordError(err)
		span.SetStatus(codes.Error, "save")
		return nil, fmt.Errorf("save idempotent response: %w", err)
	}
	if err := tx.Commit().Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit")
		return nil, fmt.Errorf("commit idempotent response: %w", err)
	}
	return &resp, nil
}

// Abort rolls back a claim so the key can be claimed again. Aborting a
// finished transaction is a no-op.
func (g *Guard) Abort(tx *gorm.DB) error {
	if tx == nil {
		return nil
	}
	if err := tx.Rollback().Error; err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback idempotency claim: %w", err)
	}
	return nil
}

// PurgeExpired deletes records older than the TTL relative to now.
func (g *Guard) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := repo.PurgeIdempotency(ctx, g.DB, now.Add(-g.TTL))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return n, nil
}

// RunJanitor calls PurgeExpired every interval until ctx is done.
func (g *Guard) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := g.PurgeExpired(ctx, g.now())
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Msg("idempotency janitor failed")
				}
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("expired idempotency records removed")
			}
		}
	}
}
