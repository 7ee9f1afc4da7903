// Package journal is the durable, append-only record of conversation
// messages. It owns persistent sequence assignment: numbers start at 1
// per conversation, strictly increasing with no gaps or reuse, and the
// counter's source of truth is the durable store itself, so the
// guarantee holds across process restarts.
package journal

import (
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/gorm"
)

// DefaultPayloadPreview is the truncation threshold for oversized
// payloads when none is configured.
const DefaultPayloadPreview = 16384

// validKinds is the closed set of message kinds the journal accepts.
var validKinds = map[string]bool{
	models.KindText:         true,
	models.KindReasoning:    true,
	models.KindToolCall:     true,
	models.KindToolResult:   true,
	models.KindInputRequest: true,
	models.KindSystemNote:   true,
}

// Journal appends and replays durable conversation messages.
type Journal struct {
	db           *gorm.DB
	previewLimit int
}

// Opts holds parameters for creating a Journal.
type Opts struct {
	// PayloadPreview is the maximum stored payload length; longer
	// payloads are truncated and the full text retained in raw logs.
	PayloadPreview int
}

// New creates a Journal over the given store.
func New(db *gorm.DB, opts Opts) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: db is required")
	}
	limit := opts.PayloadPreview
	if limit <= 0 {
		limit = DefaultPayloadPreview
	}
	return &Journal{db: db, previewLimit: limit}, nil
}

// Append accepts one message into the journal, assigning the next
// persistent sequence number for its conversation. The sequence read
// and the insert happen in one transaction; the caller (the owning
// conversation worker) is the only writer for a conversation, so no two
// messages can race to the same number.
func (j *Journal) Append(conversationID string, turnID *uint, kind, payload string) (*models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("journal: conversationID is required")
	}
	if !validKinds[kind] {
		return nil, fmt.Errorf("journal: unknown message kind %q", kind)
	}

	truncated := false
	if len(payload) > j.previewLimit {
		j.recordRaw(conversationID, turnID, payload)
		// Back off to a rune boundary so the preview stays valid UTF-8.
		cut := j.previewLimit
		for cut > 0 && !utf8.RuneStart(payload[cut]) {
			cut--
		}
		payload = payload[:cut]
		truncated = true
	}

	var msg *models.Message
	err := j.db.Transaction(func(tx *gorm.DB) error {
		var last int64
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return fmt.Errorf("read last sequence: %w", err)
		}

		msg = &models.Message{
			ConversationID: conversationID,
			Seq:            last + 1,
			TurnID:         turnID,
			Kind:           kind,
			Payload:        payload,
			Truncated:      truncated,
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("append seq %d: %w", msg.Seq, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: append to %s: %w", conversationID, err)
	}
	return msg, nil
}

// Replay returns all messages for a conversation with persistent
// sequence strictly greater than after, in ascending sequence order.
// A pure query over the append-only log: calling it twice with the same
// cursor yields identical results.
func (j *Journal) Replay(conversationID string, after int64) ([]models.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("journal: conversationID is required")
	}

	var msgs []models.Message
	if err := j.db.Where("conversation_id = ? AND seq > ?", conversationID, after).
		Order("seq ASC").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("journal: replay %s after %d: %w", conversationID, after, err)
	}
	return msgs, nil
}

// LastSeq returns the highest persistent sequence assigned for a
// conversation, or 0 when it has no messages.
func (j *Journal) LastSeq(conversationID string) (int64, error) {
	var last int64
	if err := j.db.Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("journal: last seq for %s: %w", conversationID, err)
	}
	return last, nil
}

// recordRaw retains a full oversized payload as telemetry. Best-effort:
// failures are logged, never surfaced, and replay never reads raw logs.
func (j *Journal) recordRaw(conversationID string, turnID *uint, content string) {
	raw := models.RawLog{
		ConversationID: conversationID,
		Direction:      "out",
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if turnID != nil {
		raw.TurnID = *turnID
	}
	if err := j.db.Create(&raw).Error; err != nil {
		log.Printf("journal: record raw payload for %s: %v", conversationID, err)
	}
}
