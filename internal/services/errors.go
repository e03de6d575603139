// Package services defines the business logic for newsletters and
// subscriptions. This file centralizes service-level error values so that
// they can be returned by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

// Newsletter errors.
var (
	// ErrEmptyTitle is returned when an issue has no title.
	ErrEmptyTitle = errors.New("title is empty")

	// ErrEmptyContent is returned when an issue has neither HTML nor text
	// content.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTitleTooLong is returned when a title exceeds TitleMaxLen runes.
	ErrTitleTooLong = errors.New("title too long")

	// ErrIssueNotFound indicates that the requested issue does not exist.
	ErrIssueNotFound = errors.New("issue not found")
)

// Subscription errors.
var (
	// ErrAlreadySubscribed is returned when the email is already confirmed.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrTokenNotFound is returned when a confirmation token is unknown.
	ErrTokenNotFound = errors.New("subscription token not found")

	// ErrConfirmationEmail wraps a failure to send the confirmation mail.
	ErrConfirmationEmail = errors.New("failed to send confirmation email")
)
