package domain

import "time"

// Idempotency records the outcome of a mutating request keyed by
// (user_id, idempotency_key). A claim inserts the row with every response
// column NULL; the row is populated exactly once when the response is saved
// and is never updated afterwards.
type Idempotency struct {
	UserID             string    `gorm:"type:varchar(64);primaryKey"`
	IdempotencyKey     string    `gorm:"column:idempotency_key;type:varchar(50);primaryKey"`
	ResponseStatusCode *int      `gorm:"column:response_status_code"`
	ResponseHeaders    []byte    `gorm:"column:response_headers"`
	ResponseBody       []byte    `gorm:"column:response_body"`
	CreatedAt          time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Saved reports whether the response columns have been populated.
func (i Idempotency) Saved() bool { return i.ResponseStatusCode != nil }
