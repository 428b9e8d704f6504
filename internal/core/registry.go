package core

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/proto"
	"github.com/mkovalev/wirehub/internal/utils"
)

// Registry is the process-wide table of live channels. It is explicitly
// constructed and owned by whatever accepts connections; there is no global
// instance.
type Registry struct {
	validAppID func(string) bool
	nextID     func() string
	log        zerolog.Logger

	mu       sync.RWMutex
	channels map[ChannelID]*Channel
	closed   bool
}

// NewRegistry builds a registry with a pluggable application-id predicate
// and channel-id generator. A nil validator accepts every app id; a nil
// generator uses short random ids.
func NewRegistry(validAppID func(string) bool, nextID func() string, logger *zerolog.Logger) *Registry {
	if validAppID == nil {
		validAppID = func(string) bool { return true }
	}
	if nextID == nil {
		nextID = utils.NewChannelID
	}
	return &Registry{
		validAppID: validAppID,
		nextID:     nextID,
		log:        logger.With().Str("component", "registry").Logger(),
		channels:   make(map[ChannelID]*Channel),
	}
}

// CreateChannel validates the application id, draws channel ids until an
// unused one is found, and registers the new channel. Collisions are retried
// transparently; the generator keeps them rare enough that the loop
// practically terminates on the first attempt.
func (r *Registry) CreateChannel(appID string, config proto.ChannelConfig, creator, passwordHash string) (*Channel, error) {
	if !r.validAppID(appID) {
		return nil, NewError(ErrCodeInvalidAppID, fmt.Sprintf("invalid application id: %q", appID))
	}

	for {
		id := ChannelID{App: appID, Channel: r.nextID()}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, NewError(ErrCodeChannelClosed, "broker is shutting down")
		}
		if _, taken := r.channels[id]; taken {
			r.mu.Unlock()
			continue
		}
		ch := newChannel(r, id, config, creator, passwordHash)
		r.channels[id] = ch
		r.mu.Unlock()

		r.log.Info().Str("channel", id.String()).Str("creator", creator).Msg("channel created")
		return ch, nil
	}
}

// Channel looks up a live channel. An unknown id yields an
// invalid_channel_id error; the lookup itself never mutates anything.
func (r *Registry) Channel(appID, channelID string) (*Channel, error) {
	if !r.validAppID(appID) {
		return nil, NewError(ErrCodeInvalidAppID, fmt.Sprintf("invalid application id: %q", appID))
	}

	r.mu.RLock()
	ch, ok := r.channels[ChannelID{App: appID, Channel: channelID}]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrCodeInvalidChannelID, fmt.Sprintf("unknown channel id: %q", channelID))
	}
	return ch, nil
}

// ListPublic snapshots the public, non-full channels of one application.
// Filtering is structural on the ChannelID's App field, never on a composite
// string prefix.
func (r *Registry) ListPublic(appID string) ([]proto.ChannelInfo, error) {
	if !r.validAppID(appID) {
		return nil, NewError(ErrCodeInvalidAppID, fmt.Sprintf("invalid application id: %q", appID))
	}

	r.mu.RLock()
	candidates := make([]*Channel, 0)
	for id, ch := range r.channels {
		if id.App == appID && ch.Config().Public {
			candidates = append(candidates, ch)
		}
	}
	r.mu.RUnlock()

	// Fullness is checked outside the registry lock; each channel takes its
	// own shared lock for the member count.
	infos := make([]proto.ChannelInfo, 0, len(candidates))
	for _, ch := range candidates {
		if !ch.isFull() {
			infos = append(infos, ch.Info())
		}
	}
	return infos, nil
}

// Remove deletes a channel from the table. Idempotent; called by a channel
// that just emptied, or during shutdown.
func (r *Registry) Remove(id ChannelID) {
	r.mu.Lock()
	_, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()

	if ok {
		r.log.Info().Str("channel", id.String()).Msg("channel removed")
	}
}

// ShutdownAll atomically swaps the live table for an empty one, then closes
// every previously held channel. No channel can be created after the swap is
// visible, and the call does not return until every eviction cascade has
// finished.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	old := r.channels
	r.channels = make(map[ChannelID]*Channel)
	r.closed = true
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range old {
		wg.Add(1)
		go func(ch *Channel) {
			defer wg.Done()
			ch.Close()
		}(ch)
	}
	wg.Wait()
	r.log.Info().Int("channels", len(old)).Msg("registry shut down")
}
