package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/inbox"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/bainianlaoyao/switchboard/internal/runtime"
	"gorm.io/gorm"
)

// The question correlator ties three identities together: the runtime's
// tool invocation handle, the pending question record, and the inbox
// item. The question ID IS the invocation handle; answer delivery
// resolves by that single key, so the runtime's correlation is exact.

// raiseQuestion records a runtime question, opens its inbox item,
// journals a durable input_request message, and parks the session in
// waiting_input.
func (w *Worker) raiseQuestion(q *runtime.Question) {
	if q == nil || q.ID == "" {
		log.Printf("session: dropping question without invocation handle for %s", w.id)
		return
	}
	if _, dup := w.pending[q.ID]; dup {
		log.Printf("session: duplicate question handle %s for %s", q.ID, w.id)
		return
	}

	deadline := time.Now().UTC().Add(w.opts.QuestionDeadline)

	item, err := inbox.Create(w.db, inbox.CreateOpts{
		ConversationID: w.id,
		QuestionID:     q.ID,
		Title:          "Input requested",
		Body:           q.Prompt,
		Options:        q.Options,
		Required:       q.Required,
	})
	if err != nil {
		log.Printf("session: open inbox item for question %s: %v", q.ID, err)
	}

	options, _ := json.Marshal(q.Options)
	pq := &models.PendingQuestion{
		ID:             q.ID,
		ConversationID: w.id,
		TurnID:         w.turnRef(),
		Prompt:         q.Prompt,
		Options:        string(options),
		Required:       q.Required,
		Deadline:       deadline,
		Status:         models.QuestionAwaiting,
	}
	if item != nil {
		pq.InboxItemID = item.ID
	}
	if err := w.db.Create(pq).Error; err != nil {
		// The runtime is suspended on this invocation, and without a
		// durable question no answer can ever reach it. Unwind the turn
		// rather than leave the conversation hung.
		log.Printf("session: persist question %s: %v", q.ID, err)
		if pq.InboxItemID != 0 {
			expireInboxItem(w.db, pq.InboxItemID)
		}
		w.interrupted = true
		w.transition(models.StateInterrupted)
		w.broadcast(protocol.EventError, w.turnRef(), protocol.MarshalPayload(protocol.ErrorPayload{
			Code:    protocol.CodeConversationInterrupted,
			Message: fmt.Sprintf("question %s could not be recorded; turn interrupted", q.ID),
		}))
		if ierr := w.rt.Interrupt(w.id); ierr != nil {
			log.Printf("session: interrupt runtime for %s: %v", w.id, ierr)
		}
		return
	}
	w.pending[q.ID] = pq
	w.openQuestion = q.ID

	payload := protocol.RequestInputPayload{
		QuestionID:  q.ID,
		Prompt:      q.Prompt,
		Options:     q.Options,
		Required:    q.Required,
		InboxItemID: pq.InboxItemID,
		Deadline:    deadline,
	}
	raw, _ := json.Marshal(payload)

	// The durable message carries the same payload the live event
	// does, so replay reconstructs the request faithfully.
	if _, err := w.jrnl.Append(w.id, w.turnRef(), models.KindInputRequest, string(raw)); err != nil {
		log.Printf("session: append input_request for %s: %v", w.id, err)
	}
	w.broadcast(protocol.EventRequestInput, w.turnRef(), json.RawMessage(raw))

	if w.notify != nil && item != nil {
		go w.notify.Notify(context.Background(), item)
	}
	w.transition(models.StateWaitingInput)
}

// deliverAnswer resolves a question by its invocation handle and hands
// the answer to the runtime. The first answer wins: anything after it
// is DUPLICATE_INPUT_RESPONSE, and an unknown handle is
// INVALID_QUESTION_ID.
func (w *Worker) deliverAnswer(questionID, answer, answeredBy string) error {
	w.lastActivity = time.Now()

	pq, ok := w.pending[questionID]
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidQuestionID, "no question with id %q", questionID)
	}
	if pq.Status != models.QuestionAwaiting {
		return protocol.Errorf(protocol.CodeDuplicateInputResponse,
			"question %q is already %s", questionID, pq.Status)
	}

	pq.Status = models.QuestionAnswered
	pq.Answer = answer
	if err := w.db.Model(pq).Updates(map[string]interface{}{
		"status": models.QuestionAnswered, "answer": answer,
	}).Error; err != nil {
		log.Printf("session: persist answer for %s: %v", questionID, err)
	}

	if err := w.rt.Answer(w.id, questionID, answer); err != nil {
		// Delivery failed; the question stays answerable.
		pq.Status = models.QuestionAwaiting
		w.db.Model(pq).Update("status", models.QuestionAwaiting)
		return fmt.Errorf("session: deliver answer for %q: %w", questionID, err)
	}

	pq.Status = models.QuestionDelivered
	if err := w.db.Model(pq).Update("status", models.QuestionDelivered).Error; err != nil {
		log.Printf("session: mark question %s delivered: %v", questionID, err)
	}

	if pq.InboxItemID != 0 {
		// Both answer paths converge here, so the inbox item closes
		// exactly once, with the answer that won.
		if _, err := inbox.Close(w.db, pq.InboxItemID, answeredBy, answer); err != nil {
			log.Printf("session: close inbox item %d: %v", pq.InboxItemID, err)
		}
	}

	if w.openQuestion == questionID {
		w.openQuestion = ""
		w.transition(models.StateStreaming)
	}
	return nil
}

// expireQuestion abandons a question past its deadline. The turn is not
// auto-answered: INPUT_TIMEOUT is surfaced and the runtime decides for
// itself how long to wait.
func (w *Worker) expireQuestion(questionID string) error {
	pq, ok := w.pending[questionID]
	if !ok || pq.Status != models.QuestionAwaiting {
		return nil
	}
	w.abandonQuestion(pq)
	w.broadcast(protocol.EventError, w.turnRef(), protocol.MarshalPayload(protocol.ErrorPayload{
		Code:    protocol.CodeInputTimeout,
		Message: "question " + questionID + " expired without an answer",
	}))
	return nil
}

// abandonOpenQuestion finalizes whatever question is currently holding
// the session in waiting_input, if any.
func (w *Worker) abandonOpenQuestion() {
	if w.openQuestion == "" {
		return
	}
	if pq, ok := w.pending[w.openQuestion]; ok && pq.Status == models.QuestionAwaiting {
		w.abandonQuestion(pq)
	}
}

func (w *Worker) abandonQuestion(pq *models.PendingQuestion) {
	pq.Status = models.QuestionAbandoned
	if err := w.db.Model(pq).Update("status", models.QuestionAbandoned).Error; err != nil {
		log.Printf("session: abandon question %s: %v", pq.ID, err)
	}
	if pq.InboxItemID != 0 {
		expireInboxItem(w.db, pq.InboxItemID)
	}
	if w.openQuestion == pq.ID {
		w.openQuestion = ""
	}
}

func expireInboxItem(db *gorm.DB, id uint) {
	if err := inbox.Expire(db, id); err != nil {
		log.Printf("session: expire inbox item %d: %v", id, err)
	}
}
