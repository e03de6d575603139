package delivery

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace/noop"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/repo"
)

func newTestDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite("file:"+t.Name()+"?mode=memory&cache=shared", repo.WithLogger(logger.Default.LogMode(logger.Silent)))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if migrate {
		if err := repo.AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// recordingMailer counts sends per recipient and fails for addresses in fail.
type recordingMailer struct {
	mu    sync.Mutex
	sent  map[string]int
	fail  map[string]bool
	calls int
}

func newRecordingMailer(fail ...string) *recordingMailer {
	m := &recordingMailer{sent: map[string]int{}, fail: map[string]bool{}}
	for _, f := range fail {
		m.fail[f] = true
	}
	return m
}

func (m *recordingMailer) Send(_ context.Context, to, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail[to] {
		return errors.New("mailbox unavailable")
	}
	m.sent[to]++
	return nil
}

func seedIssue(t *testing.T, db *gorm.DB, emails ...string) string {
	t.Helper()
	ctx := context.Background()
	is, err := repo.CreateIssue(ctx, db, "Issue", "<p>body</p>", "body", time.Now())
	if err != nil {
		t.Fatalf("CreateIssue: %v", err)
	}
	if _, err := repo.EnqueueRecipients(ctx, db, is.ID, emails); err != nil {
		t.Fatalf("EnqueueRecipients: %v", err)
	}
	return is.ID
}

func pending(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	n, err := repo.CountPendingTasks(context.Background(), db, "")
	if err != nil {
		t.Fatalf("CountPendingTasks: %v", err)
	}
	return n
}

func quietOpts(buf *bytes.Buffer) []Option {
	return []Option{
		WithTracerProvider(noop.NewTracerProvider()),
		WithLogger(zerolog.New(buf)),
	}
}

func TestTryExecuteTask_EmptyQueue(t *testing.T) {
	db := newTestDB(t, true)
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), quietOpts(&buf)...)

	before := testutil.ToFloat64(pollsTotal.WithLabelValues("empty"))
	out, err := w.TryExecuteTask(context.Background())
	if err != nil || out != OutcomeEmptyQueue {
		t.Fatalf("TryExecuteTask = %v, %v; want EmptyQueue", out, err)
	}
	if got := testutil.ToFloat64(pollsTotal.WithLabelValues("empty")); got != before+1 {
		t.Fatalf("empty polls = %v; want %v", got, before+1)
	}
}

func TestTryExecuteTask_FailedSendIsLoggedAndRemoved(t *testing.T) {
	db := newTestDB(t, true)
	issueID := seedIssue(t, db, "a@x.com", "b@x.com")
	m := newRecordingMailer("b@x.com")
	var buf bytes.Buffer
	w := New(db, m, quietOpts(&buf)...)

	sentBefore := testutil.ToFloat64(tasksTotal.WithLabelValues(outcomeSent))
	failedBefore := testutil.ToFloat64(tasksTotal.WithLabelValues(outcomeSendFailed))

	for i := 0; i < 2; i++ {
		out, err := w.TryExecuteTask(context.Background())
		if err != nil || out != OutcomeTaskCompleted {
			t.Fatalf("call %d: %v, %v; want TaskCompleted", i, out, err)
		}
	}
	if n := pending(t, db); n != 0 {
		t.Fatalf("expected empty queue, %d left", n)
	}
	if m.sent["a@x.com"] != 1 || m.sent["b@x.com"] != 0 || m.calls != 2 {
		t.Fatalf("unexpected sends: %+v calls=%d", m.sent, m.calls)
	}

	if got := testutil.ToFloat64(tasksTotal.WithLabelValues(outcomeSent)); got != sentBefore+1 {
		t.Fatalf("sent counter = %v; want %v", got, sentBefore+1)
	}
	if got := testutil.ToFloat64(tasksTotal.WithLabelValues(outcomeSendFailed)); got != failedBefore+1 {
		t.Fatalf("send_failed counter = %v; want %v", got, failedBefore+1)
	}

	logs := buf.String()
	if strings.Count(logs, `"level":"error"`) != 1 ||
		!strings.Contains(logs, `"subscriber_email":"b@x.com"`) ||
		!strings.Contains(logs, `"newsletter_issue_id":"`+issueID+`"`) {
		t.Fatalf("expected one error log for b@x.com, got:\n%s", logs)
	}

	out, err := w.TryExecuteTask(context.Background())
	if err != nil || out != OutcomeEmptyQueue {
		t.Fatalf("third call = %v, %v; want EmptyQueue", out, err)
	}
}

func TestTryExecuteTask_InvalidStoredAddressSkipped(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "not-an-address")
	m := newRecordingMailer()
	var buf bytes.Buffer
	w := New(db, m, quietOpts(&buf)...)

	out, err := w.TryExecuteTask(context.Background())
	if err != nil || out != OutcomeTaskCompleted {
		t.Fatalf("TryExecuteTask = %v, %v", out, err)
	}
	if m.calls != 0 {
		t.Fatalf("mailer should not be called for an invalid address")
	}
	if pending(t, db) != 0 {
		t.Fatalf("invalid task should be removed")
	}
	if !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("expected a warning, got %s", buf.String())
	}
}

func TestTryExecuteTask_PolicyReceivesErrorsAndCanRetain(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "b@x.com")
	var (
		seenTask domain.DeliveryTask
		seenErr  error
	)
	policy := PolicyFunc(func(task domain.DeliveryTask, err error) Disposition {
		seenTask, seenErr = task, err
		return Retain
	})
	var buf bytes.Buffer
	w := New(db, newRecordingMailer("b@x.com"), append(quietOpts(&buf), WithPolicy(policy))...)

	out, err := w.TryExecuteTask(context.Background())
	if err != nil || out != OutcomeTaskRetained {
		t.Fatalf("TryExecuteTask = %v, %v; want TaskRetained", out, err)
	}
	if seenTask.SubscriberEmail != "b@x.com" || seenErr == nil {
		t.Fatalf("policy saw task=%+v err=%v", seenTask, seenErr)
	}
	if pending(t, db) != 1 {
		t.Fatalf("retained task must stay queued")
	}
}

func TestTryExecuteTask_DrainsMonotonically(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "a@x.com", "b@x.com", "c@x.com", "d@x.com")
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), quietOpts(&buf)...)

	for want := int64(3); want >= 0; want-- {
		if _, err := w.TryExecuteTask(context.Background()); err != nil {
			t.Fatalf("TryExecuteTask: %v", err)
		}
		if got := pending(t, db); got != want {
			t.Fatalf("pending = %d; want %d", got, want)
		}
	}
}

func TestTryExecuteTask_ConcurrentWorkersSendEachOnce(t *testing.T) {
	db := newTestDB(t, true)
	var emails []string
	for i := 0; i < 40; i++ {
		emails = append(emails, string(rune('a'+i%26))+strings.Repeat("x", i/26)+"@x.com")
	}
	seedIssue(t, db, emails...)
	m := newRecordingMailer()

	const workers = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		var buf bytes.Buffer
		w := New(db, m, quietOpts(&buf)...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				out, err := w.TryExecuteTask(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if out == OutcomeEmptyQueue {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("worker error: %v", err)
	}

	if len(m.sent) != len(emails) {
		t.Fatalf("sent to %d recipients; want %d", len(m.sent), len(emails))
	}
	for _, e := range emails {
		if m.sent[e] != 1 {
			t.Fatalf("%s received %d copies", e, m.sent[e])
		}
	}
	if pending(t, db) != 0 {
		t.Fatalf("queue not drained")
	}
}

func TestTryExecuteTask_StoreErrorIsReturned(t *testing.T) {
	db := newTestDB(t, false) // no tables
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), quietOpts(&buf)...)

	if _, err := w.TryExecuteTask(context.Background()); err == nil {
		t.Fatalf("expected error for missing queue table")
	}
}

// sleepRecorder records requested sleeps and cancels the loop after n.
type sleepRecorder struct {
	mu     sync.Mutex
	got    []time.Duration
	n      int
	cancel context.CancelFunc
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	if len(s.got) >= s.n {
		s.cancel()
	}
}

func TestRun_BacksOffTenSecondsWhenEmpty(t *testing.T) {
	db := newTestDB(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &sleepRecorder{n: 1, cancel: cancel}
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), append(quietOpts(&buf), withSleeper(rec.sleep))...)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rec.got) != 1 || rec.got[0] != 10*time.Second {
		t.Fatalf("sleeps = %v; want [10s]", rec.got)
	}
}

func TestRun_BacksOffOneSecondOnError(t *testing.T) {
	db := newTestDB(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	rec := &sleepRecorder{n: 2, cancel: cancel}
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), append(quietOpts(&buf), withSleeper(rec.sleep))...)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run must not fail on poll errors: %v", err)
	}
	if len(rec.got) != 2 || rec.got[0] != time.Second || rec.got[1] != time.Second {
		t.Fatalf("sleeps = %v; want [1s 1s]", rec.got)
	}
	if !strings.Contains(buf.String(), "delivery poll failed") {
		t.Fatalf("expected poll error to be logged")
	}
}

func TestRun_NoSleepBetweenCompletedTasks(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "a@x.com", "b@x.com", "c@x.com")
	ctx, cancel := context.WithCancel(context.Background())
	rec := &sleepRecorder{n: 1, cancel: cancel}
	m := newRecordingMailer()
	var buf bytes.Buffer
	w := New(db, m, append(quietOpts(&buf), withSleeper(rec.sleep))...)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(m.sent) != 3 {
		t.Fatalf("expected 3 deliveries before the first sleep, got %d", len(m.sent))
	}
	if len(rec.got) != 1 || rec.got[0] != DefaultEmptyQueueBackoff {
		t.Fatalf("sleeps = %v; want only the empty-queue backoff", rec.got)
	}
}

func TestRun_ConfiguredBackoffsAndRetain(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "a@x.com")
	ctx, cancel := context.WithCancel(context.Background())
	rec := &sleepRecorder{n: 1, cancel: cancel}
	retain := PolicyFunc(func(domain.DeliveryTask, error) Disposition { return Retain })
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), append(quietOpts(&buf),
		withSleeper(rec.sleep),
		WithPolicy(retain),
		WithErrorBackoff(250*time.Millisecond),
		WithEmptyQueueBackoff(time.Minute),
	)...)

	_ = w.Run(ctx)
	if len(rec.got) != 1 || rec.got[0] != 250*time.Millisecond {
		t.Fatalf("sleeps = %v; want [250ms]", rec.got)
	}
}

// cancellingMailer cancels the poll context while a send is in flight.
type cancellingMailer struct {
	*recordingMailer
	cancel context.CancelFunc
}

func (m *cancellingMailer) Send(ctx context.Context, to, subject, html, text string) error {
	m.cancel()
	return m.recordingMailer.Send(ctx, to, subject, html, text)
}

func TestTryExecuteTask_CancelDuringSendStillSettles(t *testing.T) {
	db := newTestDB(t, true)
	seedIssue(t, db, "a@x.com")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := &cancellingMailer{recordingMailer: newRecordingMailer(), cancel: cancel}

	var buf bytes.Buffer
	w := New(db, m, quietOpts(&buf)...)
	outcome, err := w.TryExecuteTask(ctx)
	if err != nil || outcome != OutcomeTaskCompleted {
		t.Fatalf("outcome=%v err=%v", outcome, err)
	}
	if n := pending(t, db); n != 0 {
		t.Fatalf("sent task left queued: %d pending", n)
	}
	if m.sent["a@x.com"] != 1 {
		t.Fatalf("sent = %v", m.sent)
	}

	if _, err := w.TryExecuteTask(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled poll should not dequeue, got %v", err)
	}
}

func TestRun_ReturnsOnCancel(t *testing.T) {
	db := newTestDB(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	w := New(db, newRecordingMailer(), quietOpts(&buf)...)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestOutcomeAndDispositionStrings(t *testing.T) {
	if OutcomeEmptyQueue.String() != "empty_queue" || OutcomeTaskCompleted.String() != "task_completed" ||
		OutcomeTaskRetained.String() != "task_retained" || Outcome(9).String() != "outcome(9)" {
		t.Fatalf("unexpected outcome strings")
	}
	if Remove.String() != "remove" || Retain.String() != "retain" {
		t.Fatalf("unexpected disposition strings")
	}
}
