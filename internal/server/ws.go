package server

import (
	"log"
	"net/http"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/bainianlaoyao/switchboard/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 1 << 20
)

// handleWS is the live channel: protocol negotiation on the query
// string, then upgrade, attach with optional cursor replay, and the
// read/write pumps.
func handleWS(opts *StartOpts) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return func(c *gin.Context) {
		if !opts.ChatEnabled {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    protocol.CodeChatProtocolDisabled,
				"message": "live channel is disabled on this deployment",
			})
			return
		}
		neg, err := protocol.Negotiate(c.Query("version"), c.Query("last_sequence"))
		if err != nil {
			writeError(c, err)
			return
		}
		worker, err := opts.Registry.Get(c.Query("conversation"))
		if err != nil {
			writeError(c, err)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("server: websocket upgrade: %v", err)
			return
		}

		conn := opts.Registry.NewConn()
		client := &wsClient{
			ws:     ws,
			conn:   conn,
			worker: worker,
			errs:   make(chan *protocol.Envelope, 8),
		}

		// The write pump must be draining before Attach: replay is
		// delivered synchronously into the bounded send buffer, and a
		// backlog larger than the buffer needs a consumer on the other
		// end to complete.
		go client.writePump()

		if err := worker.Attach(conn, neg.LastSequence); err != nil {
			// The pump flushes whatever was delivered before the
			// failure and then closes the socket, so the client's
			// cursor still advances and the next attach resumes there.
			log.Printf("server: attach %s: %v", worker.ID(), err)
			return
		}
		client.readPump()
	}
}

// wsClient couples one websocket to one attached session connection.
type wsClient struct {
	ws     *websocket.Conn
	conn   *session.Conn
	worker *session.Worker

	// errs carries direct responses to this client's own bad frames.
	// They are replies, not stream events, so they bypass the delivery
	// sequence.
	errs chan *protocol.Envelope
}

// writePump owns all writes to the websocket.
func (cl *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer cl.ws.Close()

	for {
		select {
		case env, ok := <-cl.conn.Recv():
			if !ok {
				// Worker detached us, stalled-send drop included.
				cl.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "detached"),
					time.Now().Add(wsWriteWait))
				return
			}
			cl.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.ws.WriteJSON(env); err != nil {
				return
			}
		case env := <-cl.errs:
			cl.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			if err := cl.ws.WriteControl(websocket.PingMessage, nil,
				time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump decodes client operations and hands them to the worker.
func (cl *wsClient) readPump() {
	defer cl.worker.Detach(cl.conn.ID)

	cl.ws.SetReadLimit(wsReadLimit)
	cl.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.ws.SetPongHandler(func(string) error {
		cl.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			cl.reportError(err)
			continue
		}
		switch in.Op {
		case protocol.OpMessage:
			err = cl.worker.SubmitMessage(in.Text)
		case protocol.OpInterrupt:
			err = cl.worker.Interrupt()
		case protocol.OpAnswer:
			err = cl.worker.Answer(in.QuestionID, in.Answer, "live")
		}
		if err != nil {
			cl.reportError(err)
		}
	}
}

// reportError sends an error envelope back to this client only.
func (cl *wsClient) reportError(err error) {
	env := &protocol.Envelope{
		Type:           protocol.EventError,
		ConversationID: cl.worker.ID(),
		Timestamp:      time.Now().UTC(),
		TraceID:        uuid.NewString(),
		Payload: protocol.MarshalPayload(protocol.ErrorPayload{
			Code:    protocol.CodeOf(err),
			Message: err.Error(),
		}),
	}
	select {
	case cl.errs <- env:
	default:
		log.Printf("server: dropping error reply for %s", cl.worker.ID())
	}
}
