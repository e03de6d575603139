// Package domain defines the persistence models for newsletter issues, the
// per-recipient delivery queue and subscriptions. These types are mapped with
// GORM and shared across the repository, service and worker layers.
package domain

import "time"

// Subscription statuses. Only confirmed subscribers receive issues.
const (
	StatusPendingConfirmation = "pending_confirmation"
	StatusConfirmed           = "confirmed"
)

// Issue is a published newsletter. Rows are immutable once written.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - Title: subject line used for every delivery.
//   - HTMLContent / TextContent: the two renderings handed to the mailer.
//   - PublishedAt: time the issue was enqueued.
type Issue struct {
	ID          string    `json:"id"           gorm:"column:newsletter_issue_id;type:char(36);primaryKey"`
	Title       string    `json:"title"        gorm:"type:varchar(255);not null"`
	HTMLContent string    `json:"html_content" gorm:"type:text;not null"`
	TextContent string    `json:"text_content" gorm:"type:text;not null"`
	PublishedAt time.Time `json:"published_at" gorm:"not null;index"`
}

// TableName returns the database table name for Issue.
func (Issue) TableName() string { return "newsletter_issues" }

// DeliveryTask is one pending (issue, recipient) delivery. A task is either
// present (pending) or gone; there is no status column and no retry counter.
type DeliveryTask struct {
	NewsletterIssueID string `json:"newsletter_issue_id" gorm:"type:char(36);primaryKey"`
	SubscriberEmail   string `json:"subscriber_email"    gorm:"type:varchar(320);primaryKey"`

	// Issue is the parent newsletter. Tasks go away with their issue.
	Issue Issue `json:"-" gorm:"foreignKey:NewsletterIssueID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for DeliveryTask.
func (DeliveryTask) TableName() string { return "issue_delivery_queue" }

// Subscription is a newsletter subscriber. The email is unique.
type Subscription struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	Email        string    `json:"email"         gorm:"type:varchar(320);not null;uniqueIndex:ux_subscriptions_email"`
	Name         string    `json:"name"          gorm:"type:varchar(256);not null"`
	Status       string    `json:"status"        gorm:"type:varchar(32);not null;index;check:status IN ('pending_confirmation','confirmed')"`
	SubscribedAt time.Time `json:"subscribed_at" gorm:"not null"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionToken links a confirmation token to its subscriber.
type SubscriptionToken struct {
	Token        string `gorm:"column:subscription_token;type:varchar(64);primaryKey"`
	SubscriberID string `gorm:"type:char(36);not null;index"`

	Subscriber Subscription `gorm:"foreignKey:SubscriberID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SubscriptionToken.
func (SubscriptionToken) TableName() string { return "subscription_tokens" }
