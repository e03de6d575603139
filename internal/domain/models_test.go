package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared&_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(Issue{}).TableName():             "newsletter_issues",
		(DeliveryTask{}).TableName():      "issue_delivery_queue",
		(Subscription{}).TableName():      "subscriptions",
		(SubscriptionToken{}).TableName(): "subscription_tokens",
		(Idempotency{}).TableName():       "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_QueueCascadesWithIssue(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Issue{}, &DeliveryTask{}, &Subscription{}, &SubscriptionToken{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if !db.Migrator().HasIndex(&Subscription{}, "ux_subscriptions_email") {
		t.Fatalf("expected unique index ux_subscriptions_email")
	}

	is := &Issue{ID: "i1", Title: "T", HTMLContent: "<p>x</p>", TextContent: "x", PublishedAt: time.Now().UTC()}
	if err := db.Create(is).Error; err != nil {
		t.Fatalf("insert issue: %v", err)
	}
	for _, e := range []string{"a@x.com", "b@x.com"} {
		if err := db.Create(&DeliveryTask{NewsletterIssueID: "i1", SubscriberEmail: e}).Error; err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	// composite PK rejects a second identical task
	if err := db.Create(&DeliveryTask{NewsletterIssueID: "i1", SubscriberEmail: "a@x.com"}).Error; err == nil {
		t.Fatalf("expected duplicate task to be rejected")
	}

	if err := db.Delete(&Issue{}, "newsletter_issue_id = ?", "i1").Error; err != nil {
		t.Fatalf("delete issue: %v", err)
	}
	var n int64
	db.Model(&DeliveryTask{}).Count(&n)
	if n != 0 {
		t.Fatalf("expected cascade to remove tasks, %d left", n)
	}
}

func TestSubscription_StatusCheck(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Subscription{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	bad := &Subscription{ID: "s1", Email: "a@x.com", Name: "A", Status: "bogus", SubscribedAt: time.Now()}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected check constraint violation")
	}
}

func TestIdempotency_SavedAndCompositeKey(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	rec := &Idempotency{UserID: "u1", IdempotencyKey: "k1", CreatedAt: time.Now().UTC()}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.Saved() {
		t.Fatalf("placeholder must not report saved")
	}
	if err := db.Create(&Idempotency{UserID: "u1", IdempotencyKey: "k1", CreatedAt: time.Now()}).Error; err == nil {
		t.Fatalf("expected primary key violation")
	}
	// same key, other owner is independent
	if err := db.Create(&Idempotency{UserID: "u2", IdempotencyKey: "k1", CreatedAt: time.Now()}).Error; err != nil {
		t.Fatalf("insert other owner: %v", err)
	}
	code := 202
	if !(Idempotency{ResponseStatusCode: &code}).Saved() {
		t.Fatalf("expected saved")
	}
}
