package client

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/nexus-im/courier/store/message"
)

type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const tempPrefix = "temp-"

var (
	ErrUnknownTempID = errors.New("unknown or already resolved temporary id")
	ErrNotFailed     = errors.New("entry is not in failed state")
)

// Outgoing is what the user typed: text, an image, or both.
type Outgoing struct {
	Content string
	Image   []byte
}

// Entry is one line of the conversation as the UI renders it. Until the
// server confirms it, Message.ID holds the temporary id.
type Entry struct {
	Message message.Message
	Status  Status
	Err     error
	// HasImage marks entries with an image, including optimistic ones whose
	// image has no URL yet.
	HasImage bool

	outgoing Outgoing
}

func sentEntry(m message.Message) Entry {
	return Entry{Message: m, Status: StatusSent, HasImage: m.ImageURL != nil}
}

// Pending reports whether the entry still carries a temporary id.
func (e Entry) Pending() bool {
	return e.Status != StatusSent
}

// Conversation is the client-side view of one two-person conversation.
// Every transition happens under one mutex so that a confirmation and a
// push for the same message cannot interleave.
type Conversation struct {
	selfID string
	peerID string
	now    func() time.Time

	mu      sync.Mutex
	entries []Entry
	// server ids currently present, to drop duplicate pushes
	known map[string]struct{}
	// temporary ids already confirmed or replaced by a retry
	resolved map[string]struct{}
}

func NewConversation(selfID, peerID string) *Conversation {
	return &Conversation{
		selfID:   selfID,
		peerID:   peerID,
		now:      time.Now,
		known:    make(map[string]struct{}),
		resolved: make(map[string]struct{}),
	}
}

func (c *Conversation) PeerID() string { return c.peerID }

// BeginSend appends an optimistic entry and returns it.
func (c *Conversation) BeginSend(out Outgoing) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(out)
}

func (c *Conversation) beginLocked(out Outgoing) Entry {
	e := Entry{
		Message: message.Message{
			ID:         tempPrefix + uuid.NewString(),
			SenderID:   c.selfID,
			ReceiverID: c.peerID,
			CreatedAt:  c.now().UTC(),
		},
		Status:   StatusSending,
		HasImage: len(out.Image) > 0,
		outgoing: out,
	}
	if out.Content != "" {
		content := out.Content
		e.Message.Content = &content
	}
	c.entries = append(c.entries, e)
	return e
}

// Confirm swaps the optimistic entry for the stored message, in place.
// When the push for the same message already landed, the pushed copy is
// removed so that the id appears once.
func (c *Conversation) Confirm(tempID string, msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(tempID)
	if i < 0 || c.entries[i].Status != StatusSending {
		return ErrUnknownTempID
	}
	if _, dup := c.known[msg.ID]; dup {
		c.entries = lo.Filter(c.entries, func(e Entry, _ int) bool {
			return e.Message.ID != msg.ID || e.Pending()
		})
		i = c.indexLocked(tempID)
	}
	c.resolved[tempID] = struct{}{}
	c.known[msg.ID] = struct{}{}

	c.entries[i] = sentEntry(msg)
	if !c.orderedAtLocked(i) {
		confirmed := c.entries[i]
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
		c.insertLocked(confirmed)
	}
	return nil
}

// Fail marks a sending entry as failed. The entry stays visible with err.
func (c *Conversation) Fail(tempID string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(tempID)
	if i < 0 || c.entries[i].Status != StatusSending {
		return ErrUnknownTempID
	}
	c.entries[i].Status = StatusFailed
	c.entries[i].Err = err
	return nil
}

// Retry replaces a failed entry with a new optimistic one carrying a fresh
// temporary id, and returns it together with what has to be sent again.
func (c *Conversation) Retry(tempID string) (Entry, Outgoing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexLocked(tempID)
	if i < 0 {
		return Entry{}, Outgoing{}, ErrUnknownTempID
	}
	if c.entries[i].Status != StatusFailed {
		return Entry{}, Outgoing{}, ErrNotFailed
	}
	out := c.entries[i].outgoing
	c.resolved[tempID] = struct{}{}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return c.beginLocked(out), out, nil
}

// ApplyPush adds a message received over the push channel. It reports
// false for duplicates and for messages of another conversation.
func (c *Conversation) ApplyPush(msg message.Message) bool {
	if !c.belongs(msg) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.known[msg.ID]; dup {
		return false
	}
	c.known[msg.ID] = struct{}{}
	c.insertLocked(sentEntry(msg))
	return true
}

// Reset merges a freshly loaded history, typically after a reconnect.
// Confirmed entries missing from history stay, since a push or a
// confirmation may have landed after the history snapshot was taken.
// Entries still waiting for the server are kept after the merged list.
func (c *Conversation) Reset(history []message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var confirmed []message.Message
	var pending []Entry
	for _, e := range c.entries {
		if e.Pending() {
			pending = append(pending, e)
			continue
		}
		confirmed = append(confirmed, e.Message)
	}

	merged := lo.UniqBy(append(lo.Filter(history, func(m message.Message, _ int) bool {
		return c.belongs(m)
	}), confirmed...), func(m message.Message) string { return m.ID })
	message.Sort(merged)

	c.entries = make([]Entry, 0, len(merged)+len(pending))
	c.known = make(map[string]struct{}, len(merged))
	for _, m := range merged {
		c.entries = append(c.entries, sentEntry(m))
		c.known[m.ID] = struct{}{}
	}
	c.entries = append(c.entries, pending...)
}

// Entries returns a copy of the current list.
func (c *Conversation) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Conversation) belongs(m message.Message) bool {
	return (m.SenderID == c.selfID && m.ReceiverID == c.peerID) ||
		(m.SenderID == c.peerID && m.ReceiverID == c.selfID)
}

func (c *Conversation) indexLocked(tempID string) int {
	if _, done := c.resolved[tempID]; done {
		return -1
	}
	_, i, ok := lo.FindIndexOf(c.entries, func(e Entry) bool {
		return e.Pending() && e.Message.ID == tempID
	})
	if !ok {
		return -1
	}
	return i
}

// orderedAtLocked reports whether the confirmed entry at i is in order with
// the confirmed entries around it.
func (c *Conversation) orderedAtLocked(i int) bool {
	m := c.entries[i].Message
	for j := i - 1; j >= 0; j-- {
		if !c.entries[j].Pending() {
			if message.Less(m, c.entries[j].Message) {
				return false
			}
			break
		}
	}
	for j := i + 1; j < len(c.entries); j++ {
		if !c.entries[j].Pending() {
			return !message.Less(c.entries[j].Message, m)
		}
	}
	return true
}

// insertLocked places a confirmed entry right after the last confirmed
// entry that does not sort after it. New messages therefore land at the
// end, after optimistic ones.
func (c *Conversation) insertLocked(e Entry) {
	at := len(c.entries)
	for j := len(c.entries) - 1; j >= 0; j-- {
		if c.entries[j].Pending() {
			continue
		}
		if message.Less(e.Message, c.entries[j].Message) {
			at = j
			continue
		}
		break
	}
	c.entries = append(c.entries, Entry{})
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = e
}
