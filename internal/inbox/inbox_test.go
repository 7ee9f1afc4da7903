package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openInboxTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.InboxItem{}, &models.InboxThread{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func createTestItem(t *testing.T, db *gorm.DB) *models.InboxItem {
	t.Helper()
	item, err := Create(db, CreateOpts{
		ConversationID: "conv-1",
		QuestionID:     "toolu_q1",
		Title:          "Which database?",
		Body:           "Pick a target database for the migration.",
		Options:        []string{"mysql", "sqlite"},
		Required:       true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return item
}

func TestCreate(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)

	if item.ID == 0 {
		t.Error("ID not assigned")
	}
	if item.Status != models.InboxOpen {
		t.Errorf("Status = %q, want open", item.Status)
	}
	if item.Options != `["mysql","sqlite"]` {
		t.Errorf("Options = %q", item.Options)
	}
}

func TestCreate_Validation(t *testing.T) {
	db := openInboxTestDB(t)

	cases := []CreateOpts{
		{QuestionID: "q", Title: "t"},             // missing conversation
		{ConversationID: "c", Title: "t"},         // missing question
		{ConversationID: "c", QuestionID: "q"},    // missing title
	}
	for i, opts := range cases {
		if _, err := Create(db, opts); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestOpen_FiltersByConversationAndStatus(t *testing.T) {
	db := openInboxTestDB(t)
	first := createTestItem(t, db)
	if _, err := Create(db, CreateOpts{ConversationID: "conv-2", QuestionID: "toolu_q2", Title: "Other?"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	all, err := Open(db, "")
	if err != nil {
		t.Fatalf("Open all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Open all = %d items, want 2", len(all))
	}

	one, err := Open(db, "conv-1")
	if err != nil {
		t.Fatalf("Open conv-1: %v", err)
	}
	if len(one) != 1 || one[0].ID != first.ID {
		t.Fatalf("Open conv-1 = %+v, want item %d", one, first.ID)
	}

	if _, err := Close(db, first.ID, "alice", "mysql"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	one, err = Open(db, "conv-1")
	if err != nil {
		t.Fatalf("Open after close: %v", err)
	}
	if len(one) != 0 {
		t.Errorf("Open after close = %d items, want 0", len(one))
	}
}

func TestClose(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)

	closed, err := Close(db, item.ID, "alice", "mysql")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != models.InboxClosed {
		t.Errorf("Status = %q, want closed", closed.Status)
	}
	if closed.Answer != "mysql" || closed.AnsweredBy != "alice" {
		t.Errorf("answer = %q by %q", closed.Answer, closed.AnsweredBy)
	}
	if closed.ClosedAt == nil {
		t.Error("ClosedAt not set")
	}
}

func TestClose_AlreadyClosed(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)

	if _, err := Close(db, item.ID, "alice", "mysql"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := Close(db, item.ID, "bob", "sqlite"); err == nil {
		t.Fatal("Close: expected error for already-closed item")
	}

	// The first answer stands.
	got, err := Get(db, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Answer != "mysql" || got.AnsweredBy != "alice" {
		t.Errorf("answer mutated: %q by %q", got.Answer, got.AnsweredBy)
	}
}

func TestClose_NotFound(t *testing.T) {
	db := openInboxTestDB(t)
	if _, err := Close(db, 999, "alice", "x"); err == nil {
		t.Fatal("Close: expected error for missing item")
	}
}

func TestExpire(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)

	if err := Expire(db, item.ID); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	got, err := Get(db, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.InboxExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}

	// Expiring a closed item is a no-op.
	item2, _ := Create(db, CreateOpts{ConversationID: "conv-1", QuestionID: "toolu_q3", Title: "T"})
	if _, err := Close(db, item2.ID, "alice", "yes"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := Expire(db, item2.ID); err != nil {
		t.Fatalf("Expire closed: %v", err)
	}
	got, _ = Get(db, item2.ID)
	if got.Status != models.InboxClosed {
		t.Errorf("Status = %q, want closed to stand", got.Status)
	}
}

// ---------------------------------------------------------------------------
// Fanout tests
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	name    string
	posted  []uint
	err     error
	closed  bool
	replies chan Reply

	mu      sync.Mutex
	replied []string
}

func newRecordingNotifier(name string) *recordingNotifier {
	return &recordingNotifier{name: name, replies: make(chan Reply, 10)}
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Post(_ context.Context, item *models.InboxItem) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.posted = append(r.posted, item.ID)
	return fmt.Sprintf("thread-%d", item.ID), nil
}

func (r *recordingNotifier) ReplyTo(_ context.Context, threadRef, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replied = append(r.replied, text)
	return nil
}

func (r *recordingNotifier) repliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replied)
}

func (r *recordingNotifier) Listen(_ context.Context) (<-chan Reply, error) {
	return r.replies, nil
}

func (r *recordingNotifier) Close() error {
	r.closed = true
	return nil
}

// lastReplied polls for a thread reply, since delivery runs on the
// fanout's pump goroutine.
func (r *recordingNotifier) lastReplied(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for r.repliedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no thread reply recorded")
		}
		time.Sleep(time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied[len(r.replied)-1]
}

func TestFanout_NotifiesAllAndRecordsThreads(t *testing.T) {
	db := openInboxTestDB(t)
	a := newRecordingNotifier("a")
	b := newRecordingNotifier("b")
	f := NewFanout(db, a, b)

	f.Notify(context.Background(), &models.InboxItem{ID: 7, Title: "Q"})

	if len(a.posted) != 1 || a.posted[0] != 7 {
		t.Errorf("a.posted = %v, want [7]", a.posted)
	}
	if len(b.posted) != 1 {
		t.Errorf("b.posted = %v, want [7]", b.posted)
	}

	var threads []models.InboxThread
	if err := db.Where("inbox_item_id = ?", 7).Find(&threads).Error; err != nil {
		t.Fatalf("load threads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("threads = %d, want one per notifier", len(threads))
	}
}

func TestFanout_FailureDoesNotBlockOthers(t *testing.T) {
	bad := newRecordingNotifier("bad")
	bad.err = errFail
	good := newRecordingNotifier("good")
	f := NewFanout(openInboxTestDB(t), bad, good)

	f.Notify(context.Background(), &models.InboxItem{ID: 3, Title: "Q"})

	if len(good.posted) != 1 {
		t.Errorf("good.posted = %v, want [3]", good.posted)
	}
}

func TestFanout_ReplyAnswersItem(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)

	n := newRecordingNotifier("chat")
	f := NewFanout(db, n)
	f.Notify(context.Background(), item)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		itemID     uint
		answer     string
		answeredBy string
	}
	delivered := make(chan delivery, 1)
	err := f.Listen(ctx, func(_ context.Context, it *models.InboxItem, answer, answeredBy string) error {
		delivered <- delivery{itemID: it.ID, answer: answer, answeredBy: answeredBy}
		return nil
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	n.replies <- Reply{
		Platform:  "chat",
		ThreadRef: fmt.Sprintf("thread-%d", item.ID),
		Text:      "  mysql  ",
		UserName:  "alice",
	}

	select {
	case d := <-delivered:
		if d.itemID != item.ID {
			t.Errorf("item = %d, want %d", d.itemID, item.ID)
		}
		if d.answer != "mysql" {
			t.Errorf("answer = %q, want trimmed mysql", d.answer)
		}
		if d.answeredBy != "alice" {
			t.Errorf("answeredBy = %q, want alice", d.answeredBy)
		}
	case <-time.After(time.Second):
		t.Fatal("reply never delivered")
	}
	if got := n.lastReplied(t); !strings.Contains(got, "delivered") {
		t.Errorf("thread ack = %q, want delivery confirmation", got)
	}
}

func TestFanout_ReplyToClosedItemReportsStatus(t *testing.T) {
	db := openInboxTestDB(t)
	item := createTestItem(t, db)
	if _, err := Close(db, item.ID, "bob", "sqlite"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	n := newRecordingNotifier("chat")
	f := NewFanout(db, n)
	db.Create(&models.InboxThread{InboxItemID: item.ID, Platform: "chat", ThreadRef: "thread-x"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Listen(ctx, func(context.Context, *models.InboxItem, string, string) error {
		t.Error("answer func called for closed item")
		return nil
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	n.replies <- Reply{Platform: "chat", ThreadRef: "thread-x", Text: "too late"}

	if got := n.lastReplied(t); !strings.Contains(got, "closed") {
		t.Errorf("thread ack = %q, want already-closed notice", got)
	}
}

func TestFanout_UnknownThreadIgnored(t *testing.T) {
	db := openInboxTestDB(t)
	n := newRecordingNotifier("chat")
	f := NewFanout(db, n)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Listen(ctx, func(context.Context, *models.InboxItem, string, string) error {
		t.Error("answer func called for unknown thread")
		return nil
	}); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	n.replies <- Reply{Platform: "chat", ThreadRef: "no-such-thread", Text: "hello"}
	n.replies <- Reply{Platform: "chat", ThreadRef: "thread-1", Text: "   "}

	// Give the pump a moment; nothing should have been delivered or acked.
	time.Sleep(20 * time.Millisecond)
	if n.repliedCount() != 0 {
		t.Errorf("replied = %d messages, want none", n.repliedCount())
	}
}

func TestFanout_Close(t *testing.T) {
	a := newRecordingNotifier("a")
	f := NewFanout(nil, a)
	f.Close()
	if !a.closed {
		t.Error("notifier not closed")
	}
}

var errFail = errors.New("notify failed")

func TestGet_NotFound(t *testing.T) {
	db := openInboxTestDB(t)
	if _, err := Get(db, 42); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("Get missing = %v, want not found", err)
	}
}
