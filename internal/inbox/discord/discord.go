// Package discord implements the inbox Notifier for Discord: each open
// question becomes a message with its own thread, and messages posted
// in that thread come back as answers.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bainianlaoyao/switchboard/internal/inbox"
	"github.com/bainianlaoyao/switchboard/internal/models"
	"github.com/bwmarrin/discordgo"
)

const (
	// questionColor is the embed sidebar color for open questions.
	questionColor = 0xe8a33d
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff for rate-limited API calls.
	baseBackoff = time.Second
	// maxBackoff caps the exponential backoff for rate-limited calls.
	maxBackoff = 30 * time.Second
	// threadArchiveMinutes is the thread auto-archive duration (24h).
	threadArchiveMinutes = 1440
	// threadNameLimit is Discord's maximum thread name length.
	threadNameLimit = 100
)

// session abstracts the discordgo session methods we use, enabling
// test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	AddHandler(handler interface{}) func()
}

// Notifier posts open inbox items to a Discord channel, starting a
// thread per question, and receives the messages humans post in them.
type Notifier struct {
	sess      session
	channelID string
	botUserID string

	mu            sync.Mutex
	closed        bool
	replies       chan inbox.Reply
	removeHandler func()
}

// Opts holds parameters for creating a Discord Notifier.
type Opts struct {
	BotToken  string // Discord bot token
	ChannelID string // channel to post questions to
	// For testing: inject a mock instead of the real session.
	Session session
}

// New creates a Discord Notifier and opens the gateway connection.
func New(opts Opts) (*Notifier, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel ID is required")
	}

	n := &Notifier{
		channelID: opts.ChannelID,
		replies:   make(chan inbox.Reply, 100),
	}

	if opts.Session != nil {
		n.sess = opts.Session
	} else {
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		n.sess = dg
	}

	n.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		n.mu.Lock()
		n.botUserID = r.User.ID
		n.mu.Unlock()
	})

	if err := n.sess.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return n, nil
}

// Name identifies the notifier in logs and thread records.
func (n *Notifier) Name() string { return "discord" }

// Post announces an open inbox item as an embed, starts a thread on
// the message, and returns the thread channel ID.
func (n *Notifier) Post(ctx context.Context, item *models.InboxItem) (string, error) {
	embed := &discordgo.MessageEmbed{
		Title:       item.Title,
		Description: item.Body,
		Color:       questionColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Conversation", Value: item.ConversationID, Inline: true},
			{Name: "Inbox item", Value: fmt.Sprintf("%d", item.ID), Inline: true},
		},
	}
	if opts := formatOptions(item.Options); opts != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Options", Value: opts})
	}
	if item.Required {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: "Answer required"}
	}

	var msg *discordgo.Message
	err := retryOnRateLimit(ctx, func() error {
		var sendErr error
		msg, sendErr = n.sess.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
			Content: "The agent needs input. Reply in the thread to answer.",
			Embed:   embed,
		})
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: post item %d: %w", item.ID, err)
	}

	var thread *discordgo.Channel
	err = retryOnRateLimit(ctx, func() error {
		var threadErr error
		thread, threadErr = n.sess.MessageThreadStartComplex(n.channelID, msg.ID, &discordgo.ThreadStart{
			Name:                threadName(item.Title),
			AutoArchiveDuration: threadArchiveMinutes,
			Type:                discordgo.ChannelTypeGuildPublicThread,
		})
		return threadErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: start thread for item %d: %w", item.ID, err)
	}
	return thread.ID, nil
}

// ReplyTo posts a status message into a notification thread.
func (n *Notifier) ReplyTo(ctx context.Context, threadRef, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, sendErr := n.sess.ChannelMessageSend(threadRef, text)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: thread reply: %w", err)
	}
	return nil
}

// Listen registers the message handler and returns the reply stream.
// Every message in a thread channel is forwarded; the fanout matches
// thread IDs to inbox items and drops the rest.
func (n *Notifier) Listen(ctx context.Context) (<-chan inbox.Reply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("discord: notifier already closed")
	}

	n.removeHandler = n.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		n.handleMessage(m)
	})
	return n.replies, nil
}

// Close removes the message handler, closes the reply stream, and
// shuts the gateway connection.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.removeHandler != nil {
		n.removeHandler()
	}
	close(n.replies)
	n.mu.Unlock()
	return n.sess.Close()
}

// handleMessage forwards thread messages. Bot messages including our
// own and messages outside threads carry no answer and are dropped.
func (n *Notifier) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	n.mu.Lock()
	self := n.botUserID
	closed := n.closed
	n.mu.Unlock()
	if closed || m.Author.ID == self {
		return
	}
	if !n.isThread(m.ChannelID) {
		return
	}

	name := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		name = m.Member.Nick
	}
	n.replies <- inbox.Reply{
		Platform:  "discord",
		ThreadRef: m.ChannelID,
		Text:      m.Content,
		UserName:  name,
	}
}

// isThread reports whether a channel ID refers to a thread.
func (n *Notifier) isThread(channelID string) bool {
	ch, err := n.sess.Channel(channelID)
	if err != nil {
		log.Printf("discord: look up channel %s: %v", channelID, err)
		return false
	}
	return ch.IsThread()
}

// threadName derives a thread name from the item title within
// Discord's length limit.
func threadName(title string) string {
	if title == "" {
		return "Question"
	}
	if len(title) > threadNameLimit {
		return title[:threadNameLimit]
	}
	return title
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

// retryOnRateLimit calls fn and retries with exponential backoff when
// Discord responds 429. It respects context cancellation.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("discord: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
