// Package session implements the conversation session engine: the
// per-conversation state machine, turn queue, question correlation, and
// connection fan-out. One conversation is a single serialized unit of
// control: a worker goroutine owns all of its state, and every external
// operation enters through the worker's mailbox.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/journal"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/bainianlaoyao/switchboard/internal/runtime"
	"gorm.io/gorm"
)

// Opts tunes per-conversation behavior.
type Opts struct {
	QueueCapacity    int
	SendBuffer       int
	QuestionDeadline time.Duration
}

// Worker owns one conversation. All fields below the mailbox are
// loop-owned: only the worker goroutine touches them.
type Worker struct {
	id     string
	db     *gorm.DB
	jrnl   *journal.Journal
	rt     runtime.Runtime
	notify InboxNotifier
	opts   Opts

	mailbox chan func()
	stopped chan struct{}

	state        string
	turn         *models.Turn
	turnCount    int
	turnOutcome  string
	interrupted  bool
	events       <-chan runtime.Event
	queue        *turnQueue
	pending      map[string]*models.PendingQuestion
	openQuestion string
	conns        map[string]*Conn
	lastActivity time.Time
	quit         bool

	ctx    context.Context
	cancel context.CancelFunc
}

// InboxNotifier pushes newly opened inbox items to external channels.
type InboxNotifier interface {
	Notify(ctx context.Context, item *models.InboxItem)
}

// newWorker loads a conversation's durable state and starts its loop.
// The registry guarantees at most one worker per conversation identity.
func newWorker(db *gorm.DB, jrnl *journal.Journal, rt runtime.Runtime, notify InboxNotifier, opts Opts, conv *models.Conversation) (*Worker, error) {
	var turnCount int64
	if err := db.Model(&models.Turn{}).Where("conversation_id = ?", conv.ID).Count(&turnCount).Error; err != nil {
		return nil, fmt.Errorf("session: count turns for %s: %w", conv.ID, err)
	}

	state := conv.State
	if state != models.StateActive && state != models.StateError {
		// A non-terminal state in the store means the previous process
		// died mid-turn. The runtime is gone, so the turn is too.
		state = models.StateActive
		if err := db.Model(&models.Conversation{}).Where("id = ?", conv.ID).
			Update("state", state).Error; err != nil {
			return nil, fmt.Errorf("session: recover state for %s: %w", conv.ID, err)
		}
	}
	if err := abandonDanglingQuestions(db, conv.ID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:           conv.ID,
		db:           db,
		jrnl:         jrnl,
		rt:           rt,
		notify:       notify,
		opts:         opts,
		mailbox:      make(chan func(), 64),
		stopped:      make(chan struct{}),
		state:        state,
		turnCount:    int(turnCount),
		queue:        newTurnQueue(opts.QueueCapacity),
		pending:      make(map[string]*models.PendingQuestion),
		conns:        make(map[string]*Conn),
		lastActivity: time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	go w.loop()
	return w, nil
}

// abandonDanglingQuestions finalizes questions left awaiting by a dead
// process: their tool invocations no longer exist.
func abandonDanglingQuestions(db *gorm.DB, conversationID string) error {
	var dangling []models.PendingQuestion
	if err := db.Where("conversation_id = ? AND status = ?", conversationID, models.QuestionAwaiting).
		Find(&dangling).Error; err != nil {
		return fmt.Errorf("session: load dangling questions for %s: %w", conversationID, err)
	}
	for i := range dangling {
		q := &dangling[i]
		if err := db.Model(q).Update("status", models.QuestionAbandoned).Error; err != nil {
			return fmt.Errorf("session: abandon question %s: %w", q.ID, err)
		}
		if q.InboxItemID != 0 {
			expireInboxItem(db, q.InboxItemID)
		}
	}
	return nil
}

// loop is the worker's single thread of control.
func (w *Worker) loop() {
	defer close(w.stopped)
	for {
		select {
		case fn := <-w.mailbox:
			fn()
			if w.quit {
				return
			}
		case ev, ok := <-w.events:
			if !ok {
				w.events = nil
				w.finishTurn()
				continue
			}
			w.handleEvent(ev)
		}
	}
}

// do runs fn on the worker loop and waits for it.
func (w *Worker) do(fn func()) error {
	done := make(chan struct{})
	select {
	case w.mailbox <- func() { fn(); close(done) }:
	case <-w.stopped:
		return fmt.Errorf("session: conversation %s is not loaded", w.id)
	}
	select {
	case <-done:
		return nil
	case <-w.stopped:
		return fmt.Errorf("session: conversation %s is not loaded", w.id)
	}
}

// ---------------------------------------------------------------------------
// External operations (thread-safe, serialized via the mailbox)
// ---------------------------------------------------------------------------

// ID returns the conversation identity.
func (w *Worker) ID() string { return w.id }

// State returns the current session state.
func (w *Worker) State() string {
	var s string
	if err := w.do(func() { s = w.state }); err != nil {
		return ""
	}
	return s
}

// QueueLen returns the number of queued inputs.
func (w *Worker) QueueLen() int {
	var n int
	w.do(func() { n = w.queue.len() })
	return n
}

// Attach registers a connection. When lastSeq is non-nil, all durable
// messages with persistent sequence greater than it are replayed to the
// new connection, in ascending order, before any live delivery. On
// failure the connection's send path is closed, with any envelopes
// delivered before the failure still readable: a consumer drains them,
// advances its cursor, and resumes from there.
func (w *Worker) Attach(conn *Conn, lastSeq *int64) error {
	var err error
	if doErr := w.do(func() { err = w.attach(conn, lastSeq) }); doErr != nil {
		conn.close()
		return doErr
	}
	return err
}

// Detach unregisters a connection and closes its send path.
func (w *Worker) Detach(connID string) {
	w.do(func() {
		if conn, ok := w.conns[connID]; ok {
			delete(w.conns, connID)
			conn.close()
		}
		w.lastActivity = time.Now()
	})
}

// SubmitMessage accepts one human input: it starts a turn immediately
// when the state allows, otherwise it joins the turn queue. A full
// queue rejects with TURN_QUEUE_FULL.
func (w *Worker) SubmitMessage(text string) error {
	var err error
	if doErr := w.do(func() { err = w.submitMessage(text) }); doErr != nil {
		return doErr
	}
	return err
}

// Interrupt unwinds the current turn, if any. An interrupt with no
// active turn is accepted and reported, not an error.
func (w *Worker) Interrupt() error {
	var err error
	if doErr := w.do(func() { err = w.interrupt() }); doErr != nil {
		return doErr
	}
	return err
}

// Answer delivers a human answer for an outstanding question, from
// either the live channel or the inbox path.
func (w *Worker) Answer(questionID, answer, answeredBy string) error {
	var err error
	if doErr := w.do(func() { err = w.deliverAnswer(questionID, answer, answeredBy) }); doErr != nil {
		return doErr
	}
	return err
}

// ExpireQuestion abandons a question past its deadline and surfaces
// INPUT_TIMEOUT. It never auto-answers.
func (w *Worker) ExpireQuestion(questionID string) error {
	var err error
	if doErr := w.do(func() { err = w.expireQuestion(questionID) }); doErr != nil {
		return doErr
	}
	return err
}

// stopIfIdle re-checks idleness and stops the loop in the same mailbox
// step, so an Attach that lands between an earlier idle check and the
// stop cannot have its connection torn down. Returns whether the
// worker stopped.
func (w *Worker) stopIfIdle(cutoff time.Time) bool {
	stopped := false
	if err := w.do(func() {
		if len(w.conns) != 0 || w.turn != nil || w.queue.len() != 0 ||
			!w.lastActivity.Before(cutoff) {
			return
		}
		w.cancel()
		w.quit = true
		stopped = true
	}); err != nil {
		return false
	}
	return stopped
}

// stop terminates the worker loop unconditionally. Registry shutdown
// only.
func (w *Worker) stop() {
	w.do(func() {
		for id, conn := range w.conns {
			delete(w.conns, id)
			conn.close()
		}
		w.cancel()
		w.quit = true
	})
}

// ---------------------------------------------------------------------------
// Loop-side implementation
// ---------------------------------------------------------------------------

func (w *Worker) attach(conn *Conn, lastSeq *int64) error {
	if lastSeq != nil {
		msgs, err := w.jrnl.Replay(w.id, *lastSeq)
		if err != nil {
			conn.close()
			return err
		}
		for i := range msgs {
			m := &msgs[i]
			env := protocol.Envelope{
				Type:           protocol.EventReplay,
				ConversationID: w.id,
				TurnID:         m.TurnID,
				Timestamp:      m.CreatedAt,
				TraceID:        newTraceID(),
				Payload: protocol.MarshalPayload(protocol.MessagePayload{
					Seq:       m.Seq,
					Kind:      m.Kind,
					Content:   m.Payload,
					Truncated: m.Truncated,
				}),
			}
			if !conn.deliver(env) {
				return fmt.Errorf("session: connection dropped during replay")
			}
		}
	}

	// State snapshot, then live delivery.
	conn.deliver(protocol.Envelope{
		Type:           protocol.EventSessionState,
		ConversationID: w.id,
		Timestamp:      time.Now().UTC(),
		TraceID:        newTraceID(),
		Payload:        protocol.MarshalPayload(protocol.StatePayload{State: w.state}),
	})
	w.conns[conn.ID] = conn
	w.lastActivity = time.Now()
	return nil
}

func (w *Worker) submitMessage(text string) error {
	w.lastActivity = time.Now()
	if acceptsInputNow(w.state) {
		return w.startTurn(text)
	}
	if !w.queue.push(text) {
		return protocol.Errorf(protocol.CodeTurnQueueFull, "turn queue at capacity %d", w.queue.capacity)
	}
	return nil
}

func (w *Worker) startTurn(input string) error {
	turn := &models.Turn{
		ConversationID: w.id,
		Ordinal:        w.turnCount + 1,
		Input:          input,
		StartedAt:      time.Now().UTC(),
	}
	if err := w.db.Create(turn).Error; err != nil {
		return fmt.Errorf("session: create turn: %w", err)
	}
	w.turnCount++

	events, err := w.rt.Start(w.ctx, w.id, input)
	if err != nil {
		now := time.Now().UTC()
		w.db.Model(turn).Updates(map[string]interface{}{
			"outcome": models.OutcomeErrored, "ended_at": now,
		})
		w.transition(models.StateError)
		return fmt.Errorf("session: start turn %d: %w", turn.Ordinal, err)
	}

	w.turn = turn
	w.turnOutcome = ""
	w.interrupted = false
	w.events = events
	w.transition(models.StateStreaming)
	return nil
}

func (w *Worker) interrupt() error {
	w.lastActivity = time.Now()
	if !interruptible(w.state) {
		w.broadcast(protocol.EventSystemNote, nil,
			protocol.MarshalPayload(map[string]string{"note": "interrupt ignored: no active turn"}))
		return nil
	}

	w.abandonOpenQuestion()
	w.interrupted = true
	w.transition(models.StateInterrupted)
	w.broadcast(protocol.EventError, w.turnRef(), protocol.MarshalPayload(protocol.ErrorPayload{
		Code:    protocol.CodeConversationInterrupted,
		Message: "turn interrupted by operator",
	}))
	if err := w.rt.Interrupt(w.id); err != nil {
		log.Printf("session: interrupt runtime for %s: %v", w.id, err)
	}
	return nil
}

// handleEvent maps one runtime event to durable messages and outbound
// envelopes. The mapping is exhaustive over runtime.EventKind.
func (w *Worker) handleEvent(ev runtime.Event) {
	w.lastActivity = time.Now()
	switch ev.Kind {
	case runtime.EventText:
		w.persistAndEmit(models.KindText, protocol.EventText, ev.Text)
	case runtime.EventReasoning:
		w.persistAndEmit(models.KindReasoning, protocol.EventReasoning, ev.Text)
	case runtime.EventToolCall:
		w.persistAndEmit(models.KindToolCall, protocol.EventToolCall, marshalToolPayload(ev))
	case runtime.EventToolResult:
		w.persistAndEmit(models.KindToolResult, protocol.EventToolResult, marshalToolPayload(ev))
	case runtime.EventQuestion:
		w.raiseQuestion(ev.Question)
	case runtime.EventDone:
		w.turnOutcome = models.OutcomeCompleted
	case runtime.EventFault:
		w.turnOutcome = models.OutcomeErrored
		w.persistAndEmit(models.KindSystemNote, protocol.EventSystemNote, "runtime fault: "+ev.Fault)
	}
}

// persistAndEmit appends one durable message and fans it out live.
func (w *Worker) persistAndEmit(kind, eventType, content string) {
	msg, err := w.jrnl.Append(w.id, w.turnRef(), kind, content)
	if err != nil {
		log.Printf("session: append %s message for %s: %v", kind, w.id, err)
		return
	}
	w.broadcast(eventType, w.turnRef(), protocol.MarshalPayload(protocol.MessagePayload{
		Seq:       msg.Seq,
		Kind:      kind,
		Content:   msg.Payload,
		Truncated: msg.Truncated,
	}))
}

// finishTurn records the turn outcome after the runtime stream ends and
// drains the queue. Dequeueing happens synchronously here, before the
// loop returns to its mailbox, which is what guarantees FIFO fairness.
func (w *Worker) finishTurn() {
	if w.turn == nil {
		return
	}

	outcome := w.turnOutcome
	if w.interrupted {
		outcome = models.OutcomeInterrupted
	}
	if outcome == "" {
		outcome = models.OutcomeCompleted
	}

	now := time.Now().UTC()
	if err := w.db.Model(w.turn).Updates(map[string]interface{}{
		"outcome": outcome, "ended_at": now,
	}).Error; err != nil {
		log.Printf("session: record turn %d outcome for %s: %v", w.turn.Ordinal, w.id, err)
	}

	// A stream that ended while a question was still open leaves the
	// question unanswerable.
	w.abandonOpenQuestion()

	w.turn = nil
	w.interrupted = false
	w.lastActivity = time.Now()

	switch outcome {
	case models.OutcomeErrored:
		w.transition(models.StateError)
	default:
		if w.state == models.StateWaitingInput {
			w.transition(models.StateStreaming)
		}
		w.transition(models.StateActive)
	}
}

// transition applies one state-machine edge, persists it, and announces
// it to every attached connection. Entering active drains exactly one
// queued input before anything else runs.
func (w *Worker) transition(to string) {
	if w.state == to {
		return
	}
	if !canTransition(w.state, to) {
		log.Printf("session: illegal transition %s → %s for %s", w.state, to, w.id)
		return
	}
	w.state = to
	if err := w.db.Model(&models.Conversation{}).Where("id = ?", w.id).
		Update("state", to).Error; err != nil {
		log.Printf("session: persist state %s for %s: %v", to, w.id, err)
	}
	w.broadcast(protocol.EventSessionState, nil,
		protocol.MarshalPayload(protocol.StatePayload{State: to}))

	if to == models.StateActive {
		if item, ok := w.queue.pop(); ok {
			if err := w.startTurn(item.Text); err != nil {
				log.Printf("session: start queued turn for %s: %v", w.id, err)
			}
		}
	}
}

// broadcast fans one event out to every attached connection, each with
// its own delivery sequence. Stalled connections are dropped.
func (w *Worker) broadcast(eventType string, turnID *uint, payload json.RawMessage) {
	env := protocol.Envelope{
		Type:           eventType,
		ConversationID: w.id,
		TurnID:         turnID,
		Timestamp:      time.Now().UTC(),
		TraceID:        newTraceID(),
		Payload:        payload,
	}
	for id, conn := range w.conns {
		if !conn.deliver(env) {
			delete(w.conns, id)
		}
	}
}

// turnRef returns the active turn's ID, or nil between turns.
func (w *Worker) turnRef() *uint {
	if w.turn == nil {
		return nil
	}
	id := w.turn.ID
	return &id
}

// marshalToolPayload renders a tool call/result as durable content.
func marshalToolPayload(ev runtime.Event) string {
	data, err := json.Marshal(map[string]interface{}{
		"tool_id":   ev.ToolID,
		"tool_name": ev.ToolName,
		"payload":   json.RawMessage(orEmptyObject(ev.Payload)),
	})
	if err != nil {
		return "{}"
	}
	return string(data)
}

// orEmptyObject substitutes an empty JSON object for empty payloads.
func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
