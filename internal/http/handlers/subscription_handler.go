package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/services"
)

// SubscriptionService covers the public subscribe and confirm flow.
type SubscriptionService interface {
	Subscribe(ctx context.Context, email, name string) error
	Confirm(ctx context.Context, token string) error
}

// SubscribeRequest is accepted as a form or as JSON.
type SubscribeRequest struct {
	Email string `form:"email" json:"email" example:"ursula_le_guin@gmail.com"`
	Name  string `form:"name"  json:"name"  example:"le guin"`
}

// Subscribe godoc
// @ID          subscribe
// @Summary     Subscribe to the newsletter
// @Description Stores a pending subscription and emails a confirmation link.
// @Tags        Subscriptions
// @Accept      x-www-form-urlencoded,json
// @Produce     json
//
// @Param       body  body  handlers.SubscribeRequest  true  "Subscriber"
//
// @Success     200  {string}  string  "OK"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid name or email"
// @Failure     409  {object}  handlers.ErrorResponse  "Already subscribed"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions [post]
func (h *Handlers) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}
	err := h.subs.Subscribe(c.Request.Context(), req.Email, req.Name)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, domain.ErrInvalidEmail):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid email")
	case errors.Is(err, domain.ErrInvalidName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid name")
	case errors.Is(err, services.ErrAlreadySubscribed):
		fail(c, http.StatusConflict, ErrCodeAlreadySubscribed, "email is already subscribed")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeSubscribeFailed, "failed to subscribe", err)
	}
}

// ConfirmSubscription godoc
// @ID          confirmSubscription
// @Summary     Confirm a subscription
// @Description Marks the subscriber owning the token as confirmed.
// @Tags        Subscriptions
// @Produce     json
//
// @Param       subscription_token  query  string  true  "Token from the confirmation email"
//
// @Success     200  {string}  string  "OK"
// @Failure     400  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     401  {object}  handlers.ErrorResponse  "Unknown token"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /subscriptions/confirm [get]
func (h *Handlers) ConfirmSubscription(c *gin.Context) {
	token := strings.TrimSpace(c.Query("subscription_token"))
	if token == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "subscription_token is required")
		return
	}
	err := h.subs.Confirm(c.Request.Context(), token)
	switch {
	case err == nil:
		c.Status(http.StatusOK)
	case errors.Is(err, services.ErrTokenNotFound):
		fail(c, http.StatusUnauthorized, ErrCodeInvalidToken, "unknown subscription token")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to confirm subscription", err)
	}
}
