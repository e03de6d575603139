package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/http/middleware"
	"github.com/tbourn/go-newsletter-backend/internal/idempotency"
	"github.com/tbourn/go-newsletter-backend/internal/services"
	"github.com/tbourn/go-newsletter-backend/internal/utils"
)

// NewsletterService is what the admin endpoints need from the issue layer.
// Publish and PublishTo join tx when it is non-nil.
type NewsletterService interface {
	Publish(ctx context.Context, tx *gorm.DB, in services.PublishInput) (*services.PublishResult, error)
	PublishTo(ctx context.Context, tx *gorm.DB, in services.PublishInput, recipients []string) (*services.PublishResult, error)
	Get(ctx context.Context, id string) (*services.IssueDetail, error)
	ListPage(ctx context.Context, page, pageSize int) ([]domain.Issue, int64, error)
	Stats(ctx context.Context) (int64, *time.Time, error)
}

// IdempotencyGuard claims an (owner, key) pair for the duration of a
// request. See idempotency.Guard.
type IdempotencyGuard interface {
	TryProcessing(ctx context.Context, owner string, key idempotency.Key) (idempotency.NextAction, error)
	SaveResponse(ctx context.Context, tx *gorm.DB, owner string, key idempotency.Key, resp idempotency.Response) (*idempotency.Response, error)
	Abort(tx *gorm.DB) error
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	news  NewsletterService
	subs  SubscriptionService
	guard IdempotencyGuard
}

// New binds the handlers to their services.
func New(news NewsletterService, subs SubscriptionService, guard IdempotencyGuard) *Handlers {
	return &Handlers{news: news, subs: subs, guard: guard}
}

// PublishContent is the nested body shape older clients send.
type PublishContent struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// PublishRequest is the body of POST /admin/newsletters. HTML and Text may
// also be given under content.
type PublishRequest struct {
	Title   string          `json:"title" example:"Issue #42"`
	HTML    string          `json:"html" example:"<p>Hello</p>"`
	Text    string          `json:"text" example:"Hello"`
	Content *PublishContent `json:"content,omitempty"`
	// Recipients overrides the confirmed subscriber list when set.
	Recipients []string `json:"recipients,omitempty"`
}

func (r PublishRequest) input() services.PublishInput {
	in := services.PublishInput{Title: r.Title, HTML: r.HTML, Text: r.Text}
	if r.Content != nil {
		if in.HTML == "" {
			in.HTML = r.Content.HTML
		}
		if in.Text == "" {
			in.Text = r.Content.Text
		}
	}
	return in
}

// Pagination carries list metadata.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListIssuesResponse is a page of issues.
type ListIssuesResponse struct {
	Issues     []domain.Issue `json:"issues"`
	Pagination Pagination     `json:"pagination"`
}

// PublishNewsletter godoc
// @ID          publishNewsletter
// @Summary     Publish a newsletter issue
// @Description Stores the issue and queues one delivery per confirmed subscriber. Requires an Idempotency-Key; a retry with the same key returns the first response with Idempotency-Replayed: true.
// @Tags        Newsletters
// @Accept      json
// @Produce     json
// @Security    BasicAuth
//
// @Param       Idempotency-Key  header  string  true  "Idempotency key (1-50 chars of A-Z a-z 0-9 _ -)"  example(publish-2024-05-01)
// @Param       body             body    handlers.PublishRequest  true  "Issue content"
//
// @Success     202  {object}  services.PublishResult
// @Header      202  {string}  Idempotency-Replayed  "true when served from a saved response"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/newsletters [post]
func (h *Handlers) PublishNewsletter(c *gin.Context) {
	key, found := middleware.GetIdempotencyKey(c)
	if !found {
		fail(c, http.StatusBadRequest, "bad_idempotency_key", "invalid Idempotency-Key")
		return
	}
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	owner := middleware.UserID(c)
	lg := middleware.LoggerFrom(c)

	next, err := h.guard.TryProcessing(ctx, owner, key)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "idempotency check failed", err)
		return
	}
	if !next.StartProcessing() {
		middleware.WriteSavedResponse(c, next.Saved)
		return
	}

	var res *services.PublishResult
	if len(req.Recipients) > 0 {
		res, err = h.news.PublishTo(ctx, next.Tx, req.input(), req.Recipients)
	} else {
		res, err = h.news.Publish(ctx, next.Tx, req.input())
	}
	if err != nil {
		if abortErr := h.guard.Abort(next.Tx); abortErr != nil {
			lg.Warn().Err(abortErr).Msg("abort idempotency claim")
		}
		status, code, msg := publishError(err)
		fail(c, status, code, msg, err)
		return
	}

	body, err := json.Marshal(res)
	if err != nil {
		_ = h.guard.Abort(next.Tx)
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "encode response", err)
		return
	}
	resp := idempotency.Response{
		StatusCode: http.StatusAccepted,
		Header:     http.Header{"Content-Type": {"application/json; charset=utf-8"}},
		Body:       body,
	}
	if _, err := h.guard.SaveResponse(ctx, next.Tx, owner, key, resp); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodePublishFailed, "failed to publish newsletter", err)
		return
	}
	lg.Info().
		Str("newsletter_issue_id", res.IssueID).
		Int64("recipients", res.Recipients).
		Msg("newsletter issue published")
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func publishError(err error) (int, string, string) {
	switch {
	case errors.Is(err, services.ErrEmptyTitle):
		return http.StatusBadRequest, ErrCodeBadRequest, "title is required"
	case errors.Is(err, services.ErrTitleTooLong):
		return http.StatusBadRequest, ErrCodeBadRequest, "title too long"
	case errors.Is(err, services.ErrEmptyContent):
		return http.StatusBadRequest, ErrCodeBadRequest, "html and text content are required"
	case errors.Is(err, domain.ErrInvalidEmail):
		return http.StatusBadRequest, ErrCodeBadRequest, "invalid recipient address"
	default:
		return http.StatusInternalServerError, ErrCodePublishFailed, "failed to publish newsletter"
	}
}

// ListNewsletters godoc
// @ID          listNewsletters
// @Summary     List published issues (paginated)
// @Description Newest first. Supports a weak ETag via If-None-Match.
// @Tags        Newsletters
// @Produce     json
// @Security    BasicAuth
//
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListIssuesResponse
// @Header      200  {string}  ETag  "Weak ETag for the issue set"
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/newsletters [get]
func (h *Handlers) ListNewsletters(c *gin.Context) {
	ctx := c.Request.Context()
	page := utils.AtoiDefault(c.Query("page"), 1)
	size := utils.AtoiDefault(c.Query("page_size"), 20)

	// The ETag covers the whole set, so it is checked before paging.
	if count, latest, err := h.news.Stats(ctx); err == nil {
		var ts int64
		if latest != nil {
			ts = latest.UnixNano()
		}
		etag := fmt.Sprintf(`W/"issues:%d:%d"`, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.news.ListPage(ctx, page, size)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "failed to list issues", err)
		return
	}
	_, page, size = utils.Paginate(page, size, 20, 100)
	totalPages := int((total + int64(size) - 1) / int64(size))
	ok(c, http.StatusOK, ListIssuesResponse{
		Issues: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetNewsletter godoc
// @ID          getNewsletter
// @Summary     Get an issue
// @Description Returns the issue and how many deliveries are still queued.
// @Tags        Newsletters
// @Produce     json
// @Security    BasicAuth
//
// @Param       id  path  string  true  "Issue ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.IssueDetail
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     404  {object}  handlers.ErrorResponse  "Issue not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/newsletters/{id} [get]
func (h *Handlers) GetNewsletter(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "issue id must be a UUID")
		return
	}
	detail, err := h.news.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrIssueNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "issue not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to load issue", err)
	default:
		ok(c, http.StatusOK, detail)
	}
}
