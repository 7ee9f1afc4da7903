// Package slack implements the inbox Notifier for Slack using Socket
// Mode: questions go out as channel messages, and thread replies on
// them come back as answers.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/inbox"
	"github.com/bainianlaoyao/switchboard/internal/models"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	// questionColor is the attachment sidebar color for open questions.
	questionColor = "#e8a33d"
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Notifier posts open inbox items to a Slack channel and receives the
// thread replies humans post on them.
type Notifier struct {
	client    slackClient
	socket    socketClient
	channelID string
	botUserID string

	mu      sync.Mutex
	closed  bool
	replies chan inbox.Reply
	cancel  context.CancelFunc
}

// Opts holds parameters for creating a Slack Notifier.
type Opts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // channel to post questions to
	// For testing: inject mocks instead of the real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Notifier and verifies its credentials.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel ID is required")
	}

	client := opts.Client
	socket := opts.Socket
	if client == nil {
		api := slackapi.New(opts.BotToken, slackapi.OptionAppLevelToken(opts.AppToken))
		client = api
		socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := client.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	return &Notifier{
		client:    client,
		socket:    socket,
		channelID: opts.ChannelID,
		botUserID: auth.UserID,
		replies:   make(chan inbox.Reply, 100),
	}, nil
}

// Name identifies the notifier in logs and thread records.
func (n *Notifier) Name() string { return "slack" }

// Post announces an open inbox item as an attachment message and
// returns the message timestamp, which is the thread replies carry.
func (n *Notifier) Post(ctx context.Context, item *models.InboxItem) (string, error) {
	att := slackapi.Attachment{
		Title:    item.Title,
		Text:     item.Body,
		Color:    questionColor,
		Fallback: item.Title,
		Fields: []slackapi.AttachmentField{
			{Title: "Conversation", Value: item.ConversationID, Short: true},
			{Title: "Inbox item", Value: fmt.Sprintf("%d", item.ID), Short: true},
		},
	}
	if opts := formatOptions(item.Options); opts != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Options", Value: opts})
	}
	if item.Required {
		att.Footer = "Answer required"
	}

	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = n.client.PostMessage(n.channelID,
			slackapi.MsgOptionText("The agent needs input. Reply in this thread to answer.", false),
			slackapi.MsgOptionAttachments(att),
		)
		return postErr
	})
	if err != nil {
		return "", fmt.Errorf("slack: post item %d: %w", item.ID, err)
	}
	return ts, nil
}

// ReplyTo posts a status message into a notification thread.
func (n *Notifier) ReplyTo(ctx context.Context, threadRef, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID,
			slackapi.MsgOptionTS(threadRef),
			slackapi.MsgOptionText(text, false),
		)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: thread reply: %w", err)
	}
	return nil
}

// Listen starts the Socket Mode pump and returns the reply stream.
func (n *Notifier) Listen(ctx context.Context) (<-chan inbox.Reply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("slack: notifier already closed")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.runWithReconnect(listenCtx)
	go n.pumpEvents(listenCtx)

	return n.replies, nil
}

// Close shuts down the notifier and closes the reply stream.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	close(n.replies)
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with
// exponential backoff when Run returns an error.
func (n *Notifier) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		err := n.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("slack: socket mode disconnected (attempt %d/%d): %v, reconnecting in %v",
			attempt+1, maxReconnectAttempts, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode exhausted %d reconnection attempts, giving up", maxReconnectAttempts)
}

// pumpEvents reads Socket Mode events and converts thread replies.
func (n *Notifier) pumpEvents(ctx context.Context) {
	events := n.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (n *Notifier) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			n.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			n.handleMessage(ev)
		}

	case socketmode.EventTypeConnected:
		log.Printf("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: connection error: %v", evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: server requested disconnect, will reconnect")
	}
}

// handleMessage forwards thread replies. Top-level messages, bot
// messages, and edits carry no answer and are dropped here.
func (n *Notifier) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == n.botUserID || ev.BotID != "" || ev.SubType != "" {
		return
	}
	if ev.ThreadTimeStamp == "" {
		return
	}

	n.replies <- inbox.Reply{
		Platform:  "slack",
		ThreadRef: ev.ThreadTimeStamp,
		Text:      ev.Text,
		UserName:  n.resolveUserName(ev.User),
	}
}

// resolveUserName looks up a user's display name, falling back to the
// user ID.
func (n *Notifier) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := n.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// formatOptions renders the stored JSON options array as a bullet list.
func formatOptions(options string) string {
	var opts []string
	if err := json.Unmarshal([]byte(options), &opts); err != nil || len(opts) == 0 {
		return ""
	}
	var b strings.Builder
	for i, o := range opts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		b.WriteString(o)
	}
	return b.String()
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate
// limit errors, respecting the RetryAfter duration Slack sends.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
