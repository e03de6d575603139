// Package handlers maps HTTP requests onto the newsletter services.
//
// Error responses share one envelope (see ErrorResponse) and carry one of the
// stable codes below, so clients can branch on code instead of message:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "already_subscribed",
//	  "message": "email is already subscribed"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodePublishFailed     = "publish_failed"
	ErrCodeListFailed        = "list_failed"
	ErrCodeAlreadySubscribed = "already_subscribed"
	ErrCodeSubscribeFailed   = "subscribe_failed"
	ErrCodeInvalidToken      = "invalid_token"
)
