package delivery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/nexus-im/courier/store/message"
)

const (
	EventNewMessage  = "newMessage"
	EventOnlineUsers = "onlineUsers"
)

var (
	ErrChannelFull   = errors.New("channel buffer full")
	ErrChannelClosed = errors.New("channel closed")
)

// Channel is one live push connection of a user.
// Deliver must not block.
type Channel interface {
	Deliver(frame []byte) error
	Close() error
}

// Event is the frame pushed to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maps user ids to their live channels and fans events out to them.
//
// Delivery is best-effort and at-most-once: a user with no channel misses
// the event, and a channel whose buffer is full is evicted so that it cannot
// slow down the others. Events reach a single channel in publish order.
//
// Hub is safe for concurrent use by multiple goroutines.
type Hub struct {
	log            *slog.Logger
	mirrorToSender bool
	onOffline      func(userID string)

	mu       sync.RWMutex
	channels map[string]map[Channel]struct{}
}

type Option func(*Hub)

// WithMirrorToSender also pushes a new message to the sender's own channels.
func WithMirrorToSender(enabled bool) Option {
	return func(h *Hub) { h.mirrorToSender = enabled }
}

// WithOfflineHook is called, outside the registry lock, when a user's last
// channel goes away.
func WithOfflineHook(fn func(userID string)) Option {
	return func(h *Hub) { h.onOffline = fn }
}

func NewHub(log *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		log:      log,
		channels: make(map[string]map[Channel]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds ch under userID. A user may hold any number of channels.
func (h *Hub) Register(userID string, ch Channel) {
	h.mu.Lock()
	set, ok := h.channels[userID]
	if !ok {
		set = make(map[Channel]struct{})
		h.channels[userID] = set
	}
	set[ch] = struct{}{}
	cameOnline := len(set) == 1
	h.mu.Unlock()

	h.log.Debug("Channel registered", "user_id", userID)
	if cameOnline {
		h.broadcastPresence()
	}
}

// Unregister removes exactly ch from userID. It reports whether ch was
// registered; removing an absent channel is a no-op.
func (h *Hub) Unregister(userID string, ch Channel) bool {
	removed, wentOffline := h.remove(userID, ch)
	if !removed {
		return false
	}
	h.log.Debug("Channel unregistered", "user_id", userID)
	if wentOffline {
		h.broadcastPresence()
		if h.onOffline != nil {
			h.onOffline(userID)
		}
	}
	return true
}

func (h *Hub) remove(userID string, ch Channel) (removed, wentOffline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.channels[userID]
	if !ok {
		return false, false
	}
	if _, ok := set[ch]; !ok {
		return false, false
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.channels, userID)
		return true, true
	}
	return true, false
}

type target struct {
	userID string
	ch     Channel
}

// Publish pushes a newMessage event to every channel of the receiver, and of
// the sender when mirroring is enabled. Each channel gets it at most once.
// It returns the number of channels that accepted the frame.
func (h *Hub) Publish(msg message.Message) int {
	frame, err := json.Marshal(Event{Type: EventNewMessage, Data: msg})
	if err != nil {
		h.log.Error("Unable to encode event", "error", err, "message_id", msg.ID)
		return 0
	}

	users := []string{msg.ReceiverID}
	if h.mirrorToSender {
		users = append(users, msg.SenderID)
	}
	targets := h.snapshot(lo.Uniq(users)...)
	if len(targets) == 0 {
		h.log.Debug("Recipient offline, event dropped", "message_id", msg.ID, "receiver_id", msg.ReceiverID)
		return 0
	}
	return h.deliver(targets, frame)
}

// snapshot copies the channels of the given users. A channel appears once
// even if listed under several ids.
func (h *Hub) snapshot(userIDs ...string) []target {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[Channel]struct{})
	var targets []target
	for _, id := range userIDs {
		for ch := range h.channels[id] {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			targets = append(targets, target{userID: id, ch: ch})
		}
	}
	return targets
}

func (h *Hub) snapshotAll() []target {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []target
	for id, set := range h.channels {
		for ch := range set {
			targets = append(targets, target{userID: id, ch: ch})
		}
	}
	return targets
}

func (h *Hub) deliver(targets []target, frame []byte) int {
	delivered := 0
	for _, t := range targets {
		err := t.ch.Deliver(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrChannelFull):
			h.log.Warn("Slow channel evicted", "user_id", t.userID)
			h.evict(t)
		default:
			h.log.Debug("Dead channel removed", "user_id", t.userID, "error", err)
			h.evict(t)
		}
	}
	return delivered
}

func (h *Hub) evict(t target) {
	_ = t.ch.Close()
	h.Unregister(t.userID, t.ch)
}

func (h *Hub) broadcastPresence() {
	frame, err := json.Marshal(Event{Type: EventOnlineUsers, Data: h.OnlineUsers()})
	if err != nil {
		h.log.Error("Unable to encode presence", "error", err)
		return
	}
	h.deliver(h.snapshotAll(), frame)
}

// Online reports whether userID has at least one live channel.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[userID]) > 0
}

// OnlineUsers returns the ids of connected users, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	ids := lo.Keys(h.channels)
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Channels returns how many live channels userID holds.
func (h *Hub) Channels(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[userID])
}
