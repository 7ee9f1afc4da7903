// Package inbox provides the asynchronous answer path for agent
// questions: items a human can browse and close with an answer without
// watching the live stream.
package inbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"gorm.io/gorm"
)

// CreateOpts holds parameters for creating an inbox item.
type CreateOpts struct {
	ConversationID string
	QuestionID     string
	Title          string
	Body           string
	Options        []string
	Required       bool
}

// Create opens a new inbox item for an outstanding question.
func Create(db *gorm.DB, opts CreateOpts) (*models.InboxItem, error) {
	if opts.ConversationID == "" {
		return nil, fmt.Errorf("inbox: conversationID is required")
	}
	if opts.QuestionID == "" {
		return nil, fmt.Errorf("inbox: questionID is required")
	}
	if opts.Title == "" {
		return nil, fmt.Errorf("inbox: title is required")
	}

	options := "[]"
	if len(opts.Options) > 0 {
		data, err := json.Marshal(opts.Options)
		if err != nil {
			return nil, fmt.Errorf("inbox: marshal options: %w", err)
		}
		options = string(data)
	}

	item := models.InboxItem{
		ConversationID: opts.ConversationID,
		QuestionID:     opts.QuestionID,
		Title:          opts.Title,
		Body:           opts.Body,
		Options:        options,
		Required:       opts.Required,
		Status:         models.InboxOpen,
		CreatedAt:      time.Now(),
	}
	if err := db.Create(&item).Error; err != nil {
		return nil, fmt.Errorf("inbox: create item for %s: %w", opts.QuestionID, err)
	}
	return &item, nil
}

// Open returns open items, oldest first. An empty conversationID
// returns open items across all conversations.
func Open(db *gorm.DB, conversationID string) ([]models.InboxItem, error) {
	q := db.Where("status = ?", models.InboxOpen)
	if conversationID != "" {
		q = q.Where("conversation_id = ?", conversationID)
	}

	var items []models.InboxItem
	if err := q.Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("inbox: open items: %w", err)
	}
	return items, nil
}

// Get returns one inbox item by ID.
func Get(db *gorm.DB, id uint) (*models.InboxItem, error) {
	var item models.InboxItem
	if err := db.First(&item, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("inbox: item not found: %d", id)
		}
		return nil, fmt.Errorf("inbox: get item %d: %w", id, err)
	}
	return &item, nil
}

// Close records a structured answer on an open item. Returns the closed
// item, or an error if the item does not exist or is no longer open.
func Close(db *gorm.DB, id uint, answeredBy, answer string) (*models.InboxItem, error) {
	now := time.Now()
	result := db.Model(&models.InboxItem{}).
		Where("id = ? AND status = ?", id, models.InboxOpen).
		Updates(map[string]interface{}{
			"status":      models.InboxClosed,
			"answer":      answer,
			"answered_by": answeredBy,
			"closed_at":   now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("inbox: close item %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("inbox: item %d not found or not open", id)
	}
	return Get(db, id)
}

// Expire marks an open item expired, used when its question is
// abandoned by timeout or interrupt. A no-op for items already closed.
func Expire(db *gorm.DB, id uint) error {
	now := time.Now()
	result := db.Model(&models.InboxItem{}).
		Where("id = ? AND status = ?", id, models.InboxOpen).
		Updates(map[string]interface{}{
			"status":    models.InboxExpired,
			"closed_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("inbox: expire item %d: %w", id, result.Error)
	}
	return nil
}
