package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/proto"
)

// fakeMember records everything its channel delivers.
type fakeMember struct {
	id string

	mu     sync.Mutex
	frames []proto.Frame
	kicked bool
}

func newFakeMember(id string) *fakeMember {
	return &fakeMember{id: id}
}

func (m *fakeMember) UserID() string { return m.id }

func (m *fakeMember) Deliver(f proto.Frame) {
	m.mu.Lock()
	m.frames = append(m.frames, f)
	m.mu.Unlock()
}

func (m *fakeMember) Kick() {
	m.mu.Lock()
	m.kicked = true
	m.mu.Unlock()
}

func (m *fakeMember) wasKicked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.kicked
}

func (m *fakeMember) framesOf(kind string) []proto.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proto.Frame
	for _, f := range m.frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (m *fakeMember) lastOf(t *testing.T, kind string) proto.Frame {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := m.framesOf(kind); len(frames) > 0 {
			return frames[len(frames)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("member %s never received a %q frame", m.id, kind)
	return proto.Frame{}
}

func decodePayload[T any](t *testing.T, f proto.Frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(f.Data, &v); err != nil {
		t.Fatalf("decode %q payload: %v", f.Kind, err)
	}
	return v
}

// newTestRegistry uses a deterministic channel-id generator: C1, C2, ...
func newTestRegistry() *Registry {
	n := 0
	gen := func() string {
		n++
		return fmt.Sprintf("C%d", n)
	}
	logger := zerolog.Nop()
	return NewRegistry(nil, gen, &logger)
}

func mustCreate(t *testing.T, r *Registry, appID string, cfg proto.ChannelConfig, creator string) *Channel {
	t.Helper()
	ch, err := r.CreateChannel(appID, cfg, creator, "")
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

func mustJoin(t *testing.T, ch *Channel, m *fakeMember) {
	t.Helper()
	if err := ch.Join(m.id, m, ""); err != nil {
		t.Fatalf("join %s: %v", m.id, err)
	}
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	return ErrorCode(err)
}
