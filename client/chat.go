package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const DefaultNoticeTTL = 4 * time.Second

// Chat drives one open conversation: it loads history, applies pushes,
// runs optimistic sends and keeps a short-lived notice for fetch failures.
// Call Close when the conversation is left.
type Chat struct {
	client *Client
	conv   *Conversation
	sub    *Subscription
	log    *slog.Logger

	noticeTTL time.Duration
	now       func() time.Time
	onChange  func()

	mu       sync.Mutex
	notice   string
	noticeAt time.Time
	online   []string

	cancel context.CancelFunc
	done   chan struct{}
}

type ChatOption func(*Chat)

func WithNoticeTTL(ttl time.Duration) ChatOption {
	return func(c *Chat) { c.noticeTTL = ttl }
}

// WithOnChange is called, from any goroutine, after the entries change.
func WithOnChange(fn func()) ChatOption {
	return func(c *Chat) { c.onChange = fn }
}

func WithLogger(log *slog.Logger) ChatOption {
	return func(c *Chat) { c.log = log }
}

// OpenChat subscribes first and then loads history, so that no message
// falls between the two. A failed history load is kept as a notice.
func OpenChat(ctx context.Context, client *Client, selfID, peerID string, opts ...ChatOption) (*Chat, error) {
	c := &Chat{
		client:    client,
		conv:      NewConversation(selfID, peerID),
		log:       slog.Default(),
		noticeTTL: DefaultNoticeTTL,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	sub, err := client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	c.sub = sub

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.pushLoop(loopCtx)

	c.Refresh(ctx)
	return c, nil
}

// Refresh reloads the confirmed history.
func (c *Chat) Refresh(ctx context.Context) {
	history, err := c.client.Conversation(ctx, c.conv.PeerID())
	if err != nil {
		c.log.Warn("Unable to load conversation", "peer_id", c.conv.PeerID(), "error", err)
		c.setNotice("Failed to load messages")
		return
	}
	c.conv.Reset(history)
	c.changed()
}

// Send runs one optimistic send and returns the resulting entry, which is
// either sent or failed.
func (c *Chat) Send(ctx context.Context, out Outgoing) Entry {
	return c.send(ctx, c.conv.BeginSend(out), out)
}

// Retry sends a failed entry again under a fresh temporary id.
func (c *Chat) Retry(ctx context.Context, tempID string) (Entry, error) {
	entry, out, err := c.conv.Retry(tempID)
	if err != nil {
		return Entry{}, err
	}
	return c.send(ctx, entry, out), nil
}

func (c *Chat) send(ctx context.Context, entry Entry, out Outgoing) Entry {
	tempID := entry.Message.ID
	c.changed()

	msg, err := c.client.Send(ctx, c.conv.PeerID(), out)
	if err != nil {
		c.log.Warn("Send failed", "temp_id", tempID, "error", err)
		_ = c.conv.Fail(tempID, err)
		c.changed()
		entry.Status = StatusFailed
		entry.Err = err
		return entry
	}

	_ = c.conv.Confirm(tempID, *msg)
	c.changed()
	return Entry{Message: *msg, Status: StatusSent}
}

func (c *Chat) Entries() []Entry { return c.conv.Entries() }

// Online returns the last presence list received.
func (c *Chat) Online() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.online...)
}

// Notice returns the current transient error, or "" once it has expired.
func (c *Chat) Notice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notice != "" && c.now().Sub(c.noticeAt) >= c.noticeTTL {
		c.notice = ""
	}
	return c.notice
}

func (c *Chat) setNotice(text string) {
	c.mu.Lock()
	c.notice = text
	c.noticeAt = c.now()
	c.mu.Unlock()
	c.changed()
}

func (c *Chat) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func (c *Chat) pushLoop(ctx context.Context) {
	defer close(c.done)

	messages, presence := c.sub.Messages(), c.sub.Presence()
	for messages != nil || presence != nil {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if c.conv.ApplyPush(msg) {
				c.changed()
			}
		case ids, ok := <-presence:
			if !ok {
				presence = nil
				continue
			}
			c.mu.Lock()
			c.online = ids
			c.mu.Unlock()
		}
	}

	if err := c.sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("Push channel lost", "error", err)
		c.setNotice("Connection lost")
	}
}

// Close stops the push loop and closes the channel.
func (c *Chat) Close() error {
	c.cancel()
	err := c.sub.Close()
	<-c.done
	return err
}
