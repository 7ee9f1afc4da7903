package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		serverURL    string
		conversation string
		lastSequence int64
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a live terminal session with an agent",
		Long: `Connects to a Switchboard server over the live channel. With no
--conversation a new conversation is created; with --from N the durable
stream is replayed from that cursor before live events.

Inside the session:
  /interrupt          unwind the current turn
  /answer <id> <text> answer a specific question
  anything else       send as a message (or answer the open question)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, serverURL, conversation, lastSequence)
		},
	}

	cmd.Flags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Switchboard server URL")
	cmd.Flags().StringVarP(&conversation, "conversation", "C", "", "conversation to attach to (created when empty)")
	cmd.Flags().Int64VarP(&lastSequence, "from", "f", -1, "replay durable messages after this sequence")
	return cmd
}

func runChat(cmd *cobra.Command, serverURL, conversation string, lastSequence int64) error {
	out := cmd.OutOrStdout()

	if conversation == "" {
		id, err := createConversation(serverURL)
		if err != nil {
			return err
		}
		conversation = id
		fmt.Fprintf(out, "Created conversation %s\n", conversation)
	}

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") +
		"/ws?version=" + protocol.Version + "&conversation=" + conversation
	if lastSequence >= 0 {
		wsURL = fmt.Sprintf("%s&last_sequence=%d", wsURL, lastSequence)
	}

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect: %s: %w", describeRejection(resp), err)
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer ws.Close()

	// The open question's invocation handle, shared between the render
	// goroutine and the input loop via this channel-of-one.
	questionCh := make(chan string, 1)
	done := make(chan struct{})
	go renderLoop(out, ws, questionCh, done)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sendLine(ws, line, questionCh); err != nil {
			return err
		}
		select {
		case <-done:
			return nil
		default:
		}
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	<-done
	return scanner.Err()
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// sendLine turns one input line into a protocol operation.
func sendLine(ws *websocket.Conn, line string, questionCh chan string) error {
	switch {
	case line == "/interrupt":
		return ws.WriteJSON(protocol.Inbound{Op: protocol.OpInterrupt})
	case strings.HasPrefix(line, "/answer "):
		rest := strings.TrimPrefix(line, "/answer ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) != 2 {
			return ws.WriteJSON(protocol.Inbound{Op: protocol.OpAnswer, QuestionID: parts[0]})
		}
		return ws.WriteJSON(protocol.Inbound{Op: protocol.OpAnswer, QuestionID: parts[0], Answer: parts[1]})
	default:
		// A plain line answers the open question when there is one.
		select {
		case qid := <-questionCh:
			return ws.WriteJSON(protocol.Inbound{Op: protocol.OpAnswer, QuestionID: qid, Answer: line})
		default:
			return ws.WriteJSON(protocol.Inbound{Op: protocol.OpMessage, Text: line})
		}
	}
}

// renderLoop prints incoming envelopes until the connection drops.
func renderLoop(out io.Writer, ws *websocket.Conn, questionCh chan string, done chan struct{}) {
	defer close(done)
	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		renderEnvelope(out, &env, questionCh)
	}
}

func renderEnvelope(out io.Writer, env *protocol.Envelope, questionCh chan string) {
	switch env.Type {
	case protocol.EventSessionState:
		var p protocol.StatePayload
		json.Unmarshal(env.Payload, &p)
		fmt.Fprintf(out, "[%s]\n", p.State)
	case protocol.EventText, protocol.EventReplay:
		var p protocol.MessagePayload
		json.Unmarshal(env.Payload, &p)
		prefix := ""
		if env.Type == protocol.EventReplay {
			prefix = fmt.Sprintf("(replay %d) ", p.Seq)
		}
		fmt.Fprintf(out, "%s%s\n", prefix, p.Content)
		if p.Truncated {
			fmt.Fprintln(out, "  [content truncated; full text in the raw log]")
		}
	case protocol.EventReasoning:
		var p protocol.MessagePayload
		json.Unmarshal(env.Payload, &p)
		fmt.Fprintf(out, "  (thinking) %s\n", p.Content)
	case protocol.EventToolCall, protocol.EventToolResult:
		// Tool traffic is noise in a terminal session.
	case protocol.EventRequestInput:
		var p protocol.RequestInputPayload
		json.Unmarshal(env.Payload, &p)
		fmt.Fprintf(out, "\n? %s\n", p.Prompt)
		if len(p.Options) > 0 {
			fmt.Fprintf(out, "  options: %s\n", strings.Join(p.Options, ", "))
		}
		// Replace any stale handle with the newest one.
		select {
		case <-questionCh:
		default:
		}
		questionCh <- p.QuestionID
	case protocol.EventSystemNote:
		fmt.Fprintf(out, "  note: %s\n", string(env.Payload))
	case protocol.EventError:
		var p protocol.ErrorPayload
		json.Unmarshal(env.Payload, &p)
		fmt.Fprintf(out, "  error %s: %s\n", p.Code, p.Message)
	}
}

// createConversation asks the server for a fresh conversation.
func createConversation(serverURL string) (string, error) {
	resp, err := http.Post(serverURL+"/api/conversations", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create conversation: server returned %s", resp.Status)
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return body.ID, nil
}

// describeRejection summarizes a failed upgrade response.
func describeRejection(resp *http.Response) string {
	defer resp.Body.Close()
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Code != "" {
		return body.Code
	}
	return resp.Status
}
