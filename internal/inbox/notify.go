package inbox

import (
	"context"
	"log"
	"strings"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/gorm"
)

// Reply is one human chat message received in a notification thread.
type Reply struct {
	Platform  string // notifier name, e.g. "slack"
	ThreadRef string // platform thread identifier the reply landed in
	Text      string
	UserName  string
}

// Notifier bridges the inbox to one chat platform, in both directions:
// Post announces an open item and returns the platform's thread
// reference, Listen yields the replies humans post in those threads,
// and ReplyTo reports back into a thread.
type Notifier interface {
	// Name identifies the notifier in logs and thread records.
	Name() string
	// Post announces an open inbox item and returns the thread
	// reference replies will carry.
	Post(ctx context.Context, item *models.InboxItem) (string, error)
	// ReplyTo posts a short status message into a notification thread.
	ReplyTo(ctx context.Context, threadRef, text string) error
	// Listen returns the stream of human replies. The channel closes
	// when the notifier shuts down.
	Listen(ctx context.Context) (<-chan Reply, error)
	// Close releases the notifier's connection.
	Close() error
}

// AnswerFunc delivers a chat reply as the answer to an inbox item.
type AnswerFunc func(ctx context.Context, item *models.InboxItem, answer, answeredBy string) error

// Fanout delivers inbox notifications to every registered notifier and
// routes their thread replies back as answers. Posting is best-effort:
// a failing notifier is logged, never surfaced, and never blocks
// question creation.
type Fanout struct {
	db        *gorm.DB
	notifiers []Notifier
}

// NewFanout creates a Fanout over the given notifiers. The database
// holds the thread-to-item mapping so replies resolve across restarts.
func NewFanout(db *gorm.DB, notifiers ...Notifier) *Fanout {
	return &Fanout{db: db, notifiers: notifiers}
}

// Notify posts the item to all notifiers and records each notification
// thread so a reply in it can be traced back to the item.
func (f *Fanout) Notify(ctx context.Context, item *models.InboxItem) {
	for _, n := range f.notifiers {
		ref, err := n.Post(ctx, item)
		if err != nil {
			log.Printf("inbox: notify via %s failed for item %d: %v", n.Name(), item.ID, err)
			continue
		}
		if ref == "" || f.db == nil {
			continue
		}
		thread := models.InboxThread{
			InboxItemID: item.ID,
			Platform:    n.Name(),
			ThreadRef:   ref,
		}
		if err := f.db.Create(&thread).Error; err != nil {
			log.Printf("inbox: record %s thread for item %d: %v", n.Name(), item.ID, err)
		}
	}
}

// Listen starts the reply intake for every notifier: a human answering
// in a notification thread reaches the same delivery path as the REST
// inbox, with first-answer-wins intact.
func (f *Fanout) Listen(ctx context.Context, answer AnswerFunc) error {
	for _, n := range f.notifiers {
		ch, err := n.Listen(ctx)
		if err != nil {
			return err
		}
		go f.pump(ctx, n, ch, answer)
	}
	return nil
}

func (f *Fanout) pump(ctx context.Context, n Notifier, ch <-chan Reply, answer AnswerFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-ch:
			if !ok {
				return
			}
			f.handleReply(ctx, n, reply, answer)
		}
	}
}

// handleReply resolves a thread reply to its inbox item and delivers
// it. Replies in threads we never posted to are ignored.
func (f *Fanout) handleReply(ctx context.Context, n Notifier, reply Reply, answer AnswerFunc) {
	text := strings.TrimSpace(reply.Text)
	if text == "" || f.db == nil {
		return
	}

	var thread models.InboxThread
	if err := f.db.Where("platform = ? AND thread_ref = ?", reply.Platform, reply.ThreadRef).
		First(&thread).Error; err != nil {
		return
	}
	item, err := Get(f.db, thread.InboxItemID)
	if err != nil {
		log.Printf("inbox: resolve %s thread %s: %v", reply.Platform, reply.ThreadRef, err)
		return
	}
	if item.Status != models.InboxOpen {
		f.replyTo(ctx, n, reply.ThreadRef, "This question is already "+item.Status+".")
		return
	}

	answeredBy := reply.UserName
	if answeredBy == "" {
		answeredBy = reply.Platform
	}
	if err := answer(ctx, item, text, answeredBy); err != nil {
		log.Printf("inbox: deliver %s reply for item %d: %v", reply.Platform, item.ID, err)
		f.replyTo(ctx, n, reply.ThreadRef, "Could not deliver that answer: "+err.Error())
		return
	}
	f.replyTo(ctx, n, reply.ThreadRef, "Answer delivered to the agent.")
}

func (f *Fanout) replyTo(ctx context.Context, n Notifier, threadRef, text string) {
	if err := n.ReplyTo(ctx, threadRef, text); err != nil {
		log.Printf("inbox: %s thread reply: %v", n.Name(), err)
	}
}

// Close closes all notifiers.
func (f *Fanout) Close() {
	for _, n := range f.notifiers {
		if err := n.Close(); err != nil {
			log.Printf("inbox: close %s notifier: %v", n.Name(), err)
		}
	}
}
