package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/auth"
	"github.com/mkovalev/wirehub/internal/proto"
)

// ChannelID keys a channel in the registry.
type ChannelID struct {
	App     string
	Channel string
}

func (id ChannelID) String() string {
	return id.App + "/" + id.Channel
}

// Member is a session as seen by its channel. Deliver and Kick must not block
// and must never call back into the channel synchronously; the channel may
// invoke them while holding its own lock.
type Member interface {
	UserID() string
	Deliver(f proto.Frame)
	Kick()
}

// Channel groups the members of one live group and routes their messages.
// Membership mutation (join, quit, close) takes the exclusive lock; steady
// state sends share it, so a broadcast always observes a consistent
// membership snapshot and never races a member's removal.
type Channel struct {
	id           ChannelID
	config       proto.ChannelConfig
	creator      string
	passwordHash string
	registry     *Registry
	log          zerolog.Logger

	mu      sync.RWMutex
	open    bool
	members map[string]Member
}

func newChannel(registry *Registry, id ChannelID, config proto.ChannelConfig, creator, passwordHash string) *Channel {
	config.ChannelID = id.Channel
	config.Protected = passwordHash != ""
	return &Channel{
		id:           id,
		config:       config,
		creator:      creator,
		passwordHash: passwordHash,
		registry:     registry,
		log:          registry.log.With().Str("channel", id.String()).Logger(),
		open:         true,
		members:      make(map[string]Member),
	}
}

// ID returns the composite channel key.
func (c *Channel) ID() ChannelID {
	return c.id
}

// Config returns the channel configuration as announced to members.
func (c *Channel) Config() proto.ChannelConfig {
	return c.config
}

// Join admits a new member. The checks and the insert happen under one
// critical section, so a failed join leaves membership unchanged. On success
// the new member receives the greeting (with a member snapshot including
// itself) before anyone else is told about it.
func (c *Channel) Join(userID string, m Member, password string) error {
	// bcrypt comparison is deliberately outside the lock; it is slow and
	// needs no membership state.
	if !auth.CheckChannelPassword(c.passwordHash, password) {
		return NewError(ErrCodeBadPassword, "wrong channel password")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return NewError(ErrCodeChannelClosed, "channel is closed")
	}
	if c.config.Capacity > 0 && len(c.members) >= c.config.Capacity {
		return NewError(ErrCodeChannelFull, fmt.Sprintf("channel limit reached: %d", c.config.Capacity))
	}
	if _, exists := c.members[userID]; exists {
		return NewError(ErrCodeDuplicateUserID, fmt.Sprintf("duplicate user id: %q", userID))
	}

	c.members[userID] = m

	m.Deliver(proto.ServerFrame(proto.KindGreeting, proto.Greeting{
		Config: c.config,
		Users:  c.memberIDs(),
	}))

	change := proto.ServerFrame(proto.KindUserChange, proto.UserChange{UserID: userID, Joined: true})
	for id, member := range c.members {
		if id != userID {
			member.Deliver(change)
		}
	}

	c.log.Debug().Str("user", userID).Int("members", len(c.members)).Msg("member joined")
	return nil
}

// Quit removes a member. It is idempotent: quitting an unknown user is a
// no-op. When the last member leaves, the channel removes itself from the
// registry before returning, so a subsequent lookup misses it. The registry
// removal happens after the channel lock is released; Remove never calls
// back into the channel.
func (c *Channel) Quit(userID string) {
	c.mu.Lock()
	m, ok := c.members[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.members, userID)
	m.Kick()

	change := proto.ServerFrame(proto.KindUserChange, proto.UserChange{UserID: userID, Joined: false})
	for _, member := range c.members {
		member.Deliver(change)
	}
	empty := len(c.members) == 0
	c.mu.Unlock()

	c.log.Debug().Str("user", userID).Msg("member left")
	if empty {
		c.registry.Remove(c.id)
	}
}

// Send routes one frame. Private frames go only to their target and are
// silently dropped when the target is unknown (fire-and-forget). Public
// frames go to every member, excluding the sender unless the channel bounces
// own messages.
func (c *Channel) Send(f proto.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if f.Private || f.To != "" {
		if m, ok := c.members[f.To]; ok {
			m.Deliver(f)
		}
		return
	}
	for id, m := range c.members {
		if c.config.Bounce || id != f.From {
			m.Deliver(f)
		}
	}
}

// Close evicts every member and marks the channel closed. It is one-shot and
// tolerates being re-entered from a member's own disconnect path: the
// evictions run without the channel lock held, so a Quit triggered by a Kick
// cannot deadlock.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	users := c.memberIDs()
	c.mu.Unlock()

	for _, userID := range users {
		c.Quit(userID)
	}
	c.log.Debug().Msg("channel closed")
}

// Info returns an immutable snapshot for external reporting.
func (c *Channel) Info() proto.ChannelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return proto.ChannelInfo{
		ID:          c.id.Channel,
		Name:        c.config.Name,
		CreatedBy:   c.creator,
		MemberCount: len(c.members),
		Capacity:    c.config.Capacity,
		Config:      c.config,
	}
}

// Members returns a snapshot of the current member ids.
func (c *Channel) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberIDs()
}

func (c *Channel) isFull() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.Capacity > 0 && len(c.members) >= c.config.Capacity
}

// memberIDs must be called with the lock held (shared or exclusive).
func (c *Channel) memberIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	return ids
}
