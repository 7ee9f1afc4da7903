package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// inboxEvent holds data for an inbox SSE event.
type inboxEvent struct {
	ID             uint   `json:"id"`
	ConversationID string `json:"conversation_id"`
	QuestionID     string `json:"question_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Required       bool   `json:"required"`
	Count          int64  `json:"count"`
}

// handleSSE streams newly opened inbox items so operator dashboards
// learn about pending questions without polling the REST surface.
func handleSSE(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		// Send connected event.
		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		// If no DB, just send connected and return — tests use nil DB.
		if db == nil {
			return
		}

		// Only alert on items opened after the stream begins.
		var lastSeenID uint
		var newest models.InboxItem
		if err := db.Where("status = ?", models.InboxOpen).
			Order("id DESC").Limit(1).First(&newest).Error; err == nil {
			lastSeenID = newest.ID
		}

		ctx := c.Request.Context()
		ticker := time.NewTicker(3 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				var opened []models.InboxItem
				db.Where("status = ? AND id > ?", models.InboxOpen, lastSeenID).
					Order("id ASC").
					Find(&opened)

				if len(opened) == 0 {
					continue
				}
				lastSeenID = opened[len(opened)-1].ID

				var count int64
				db.Model(&models.InboxItem{}).
					Where("status = ?", models.InboxOpen).
					Count(&count)

				for i := range opened {
					item := &opened[i]
					writeSSE(c.Writer, "inbox_item", inboxEvent{
						ID:             item.ID,
						ConversationID: item.ConversationID,
						QuestionID:     item.QuestionID,
						Title:          item.Title,
						Body:           item.Body,
						Required:       item.Required,
						Count:          count,
					})
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
