package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/journal"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bainianlaoyao/switchboard/internal/runtime"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Registry owns the worker lifecycle: at most one live worker per
// conversation identity, loaded on demand and evicted when idle.
type Registry struct {
	db     *gorm.DB
	jrnl   *journal.Journal
	rt     runtime.Runtime
	notify InboxNotifier
	opts   Opts

	agentID     string
	idleTimeout time.Duration

	mu      sync.Mutex
	workers map[string]*Worker
	cron    *cron.Cron
}

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	DB      *gorm.DB
	Journal *journal.Journal
	Runtime runtime.Runtime
	Notify  InboxNotifier

	AgentID          string
	QueueCapacity    int
	SendBuffer       int
	QuestionDeadline time.Duration
	IdleTimeout      time.Duration
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: registry requires a database")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("session: registry requires a journal")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("session: registry requires a runtime")
	}
	if opts.QuestionDeadline <= 0 {
		opts.QuestionDeadline = 30 * time.Minute
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 15 * time.Minute
	}
	return &Registry{
		db:     opts.DB,
		jrnl:   opts.Journal,
		rt:     opts.Runtime,
		notify: opts.Notify,
		opts: Opts{
			QueueCapacity:    opts.QueueCapacity,
			SendBuffer:       opts.SendBuffer,
			QuestionDeadline: opts.QuestionDeadline,
		},
		agentID:     opts.AgentID,
		idleTimeout: opts.IdleTimeout,
		workers:     make(map[string]*Worker),
	}, nil
}

// NewConn creates a connection send path sized per this registry's
// configuration.
func (r *Registry) NewConn() *Conn {
	buffer := r.opts.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return NewConn(buffer)
}

// GenerateID creates a conversation ID in conv-xxxxxxxx format.
func GenerateID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate ID: %w", err)
	}
	return "conv-" + hex.EncodeToString(b), nil
}

// Create registers a new conversation and returns its live worker.
func (r *Registry) Create(agentID string) (*Worker, error) {
	if agentID == "" {
		agentID = r.agentID
	}
	id, err := generateUniqueID(r.db)
	if err != nil {
		return nil, err
	}
	conv := &models.Conversation{ID: id, AgentID: agentID, State: models.StateActive}
	if err := r.db.Create(conv).Error; err != nil {
		return nil, fmt.Errorf("session: create conversation: %w", err)
	}
	return r.load(conv)
}

// generateUniqueID generates an ID and retries once on collision.
func generateUniqueID(db *gorm.DB) (string, error) {
	for range 2 {
		id, err := GenerateID()
		if err != nil {
			return "", err
		}
		var count int64
		if err := db.Model(&models.Conversation{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return "", fmt.Errorf("session: check ID collision: %w", err)
		}
		if count == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("session: could not generate a unique conversation ID")
}

// Get returns the live worker for an existing conversation, loading it
// from the store when necessary.
func (r *Registry) Get(conversationID string) (*Worker, error) {
	r.mu.Lock()
	if w, ok := r.workers[conversationID]; ok {
		r.mu.Unlock()
		return w, nil
	}
	r.mu.Unlock()

	var conv models.Conversation
	if err := r.db.First(&conv, "id = ?", conversationID).Error; err != nil {
		return nil, fmt.Errorf("session: conversation %s: %w", conversationID, err)
	}
	return r.load(&conv)
}

// load spins up a worker under the lock, deferring to a racing loader.
func (r *Registry) load(conv *models.Conversation) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[conv.ID]; ok {
		return w, nil
	}
	w, err := newWorker(r.db, r.jrnl, r.rt, r.notify, r.opts, conv)
	if err != nil {
		return nil, err
	}
	r.workers[conv.ID] = w
	return w, nil
}

// List returns all stored conversations, most recent first.
func (r *Registry) List() ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := r.db.Order("created_at DESC").Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("session: list conversations: %w", err)
	}
	return convs, nil
}

// EvictIdle stops workers with no connections, no work, and no recent
// activity. Their durable state stays; Get reloads them on demand.
func (r *Registry) EvictIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	candidates := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		candidates = append(candidates, w)
	}
	r.mu.Unlock()

	for _, w := range candidates {
		if !w.stopIfIdle(cutoff) {
			continue
		}
		r.mu.Lock()
		delete(r.workers, w.ID())
		r.mu.Unlock()
		log.Printf("session: evicted idle conversation %s", w.ID())
	}
}

// SweepDeadlines expires awaiting questions past their deadline. Only
// questions belonging to live workers can still be answered, so only
// those need the sweep.
func (r *Registry) SweepDeadlines() {
	now := time.Now().UTC()

	var expired []models.PendingQuestion
	if err := r.db.Where("status = ? AND deadline < ?", models.QuestionAwaiting, now).
		Find(&expired).Error; err != nil {
		log.Printf("session: sweep deadlines: %v", err)
		return
	}
	for i := range expired {
		q := &expired[i]
		r.mu.Lock()
		w, ok := r.workers[q.ConversationID]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if err := w.ExpireQuestion(q.ID); err != nil {
			log.Printf("session: expire question %s: %v", q.ID, err)
		}
	}
}

// StartSweeper schedules the deadline sweep and idle eviction.
func (r *Registry) StartSweeper() {
	c := cron.New()
	c.AddFunc("@every 1m", r.SweepDeadlines)
	c.AddFunc("@every 1m", r.EvictIdle)
	c.Start()
	r.cron = c
}

// Close stops the sweeper and every live worker.
func (r *Registry) Close() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for id, w := range r.workers {
		workers = append(workers, w)
		delete(r.workers, id)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}
