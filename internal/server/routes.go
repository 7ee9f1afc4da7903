package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bainianlaoyao/switchboard/internal/inbox"
	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts *StartOpts) {
	router.GET("/healthz", handleHealth())

	api := router.Group("/api")
	api.POST("/conversations", handleCreateConversation(opts))
	api.GET("/conversations", handleListConversations(opts))
	api.GET("/conversations/:id", handleGetConversation(opts))
	api.GET("/conversations/:id/messages", handleMessages(opts))
	api.POST("/conversations/:id/messages", handleSubmitMessage(opts))
	api.POST("/conversations/:id/interrupt", handleInterrupt(opts))
	api.GET("/inbox", handleInboxList(opts))
	api.GET("/inbox/:id", handleInboxGet(opts))
	api.POST("/inbox/:id/answer", handleInboxAnswer(opts))
	api.GET("/events", handleSSE(opts.DB))

	router.GET("/ws", handleWS(opts))
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "protocol_version": protocol.Version})
	}
}

func handleCreateConversation(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		// An empty body means the registry's default agent.
		c.ShouldBindJSON(&req)

		w, err := opts.Registry.Create(req.AgentID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": w.ID(), "state": w.State()})
	}
}

func handleListConversations(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		convs, err := opts.Registry.List()
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conversations": convs})
	}
}

func handleGetConversation(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := opts.Registry.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		lastSeq, err := opts.Journal.LastSeq(w.ID())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":       w.ID(),
			"state":    w.State(),
			"last_seq": lastSeq,
			"queued":   w.QueueLen(),
		})
	}
}

// handleMessages serves the durable transcript after a cursor. The
// same query backs websocket replay, so a REST reader and a
// reconnecting live client see identical history.
func handleMessages(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		after := int64(0)
		if raw := c.Query("after"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    protocol.CodeMalformedCursor,
					"message": "after must be a non-negative integer",
				})
				return
			}
			after = parsed
		}
		msgs, err := opts.Journal.Replay(c.Param("id"), after)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleSubmitMessage(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Text string `json:"text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    protocol.CodeMalformedInbound,
				"message": "text is required",
			})
			return
		}
		w, err := opts.Registry.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if err := w.SubmitMessage(req.Text); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"state": w.State()})
	}
}

func handleInterrupt(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, err := opts.Registry.Get(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if err := w.Interrupt(); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"state": w.State()})
	}
}

func handleInboxList(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := inbox.Open(opts.DB, c.Query("conversation"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func handleInboxGet(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid inbox item id"})
			return
		}
		item, err := inbox.Get(opts.DB, uint(id))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

// handleInboxAnswer is the asynchronous answer path: it resolves the
// item's question and hands the answer to the same correlator the live
// channel uses, so first-answer-wins holds across both.
func handleInboxAnswer(opts *StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid inbox item id"})
			return
		}
		var req struct {
			Answer     string `json:"answer"`
			AnsweredBy string `json:"answered_by"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Answer == "" {
			c.JSON(http.StatusBadRequest, gin.H{"message": "answer is required"})
			return
		}

		item, err := inbox.Get(opts.DB, uint(id))
		if err != nil {
			writeError(c, err)
			return
		}
		w, err := opts.Registry.Get(item.ConversationID)
		if err != nil {
			writeError(c, err)
			return
		}
		if req.AnsweredBy == "" {
			req.AnsweredBy = "inbox"
		}
		if err := w.Answer(item.QuestionID, req.Answer, req.AnsweredBy); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "answered"})
	}
}

// writeError maps engine errors to HTTP responses, preserving protocol
// error codes for clients that dispatch on them.
func writeError(c *gin.Context, err error) {
	code := protocol.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case protocol.CodeTurnQueueFull:
		status = http.StatusTooManyRequests
	case protocol.CodeInvalidQuestionID:
		status = http.StatusNotFound
	case protocol.CodeDuplicateInputResponse:
		status = http.StatusConflict
	case protocol.CodeMalformedInbound, protocol.CodeMalformedCursor:
		status = http.StatusBadRequest
	case "":
		if errors.Is(err, gorm.ErrRecordNotFound) {
			status = http.StatusNotFound
		}
	default:
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": code, "message": err.Error()})
}
