package http

import (
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/client"
	"github.com/mkovalev/wirehub/internal/config"
	"github.com/mkovalev/wirehub/internal/core"
	"github.com/mkovalev/wirehub/internal/promise"
	"github.com/mkovalev/wirehub/internal/proto"
)

func startTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *core.Registry) {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := zerolog.Nop()
	registry := core.NewRegistry(nil, nil, &logger)
	server := NewServer(registry, &cfg, &logger)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		registry.ShutdownAll()
		ts.Close()
	})
	return ts, registry
}

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
}

func dialClient(t *testing.T, ts *httptest.Server, req client.Request, opts client.DialOptions) *client.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, wsURL(ts), req, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// events records membership changes with a signal channel per event.
type events struct {
	mu  sync.Mutex
	log []string
	ch  chan string
}

func newEvents() *events {
	return &events{ch: make(chan string, 16)}
}

func (e *events) UserJoined(userID string) { e.add("+" + userID) }
func (e *events) UserLeft(userID string)   { e.add("-" + userID) }

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
	e.ch <- s
}

func (e *events) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-e.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a membership event")
		return ""
	}
}

func sameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, u := range a {
		seen[u] = true
	}
	for _, u := range b {
		if !seen[u] {
			return false
		}
	}
	return true
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != stdhttp.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, reg := startTestServer(t, nil)

	aEvents := newEvents()
	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{Capacity: 2}),
		client.DialOptions{Options: client.Options{EventHandler: aEvents}})
	channelID := a.Config().ChannelID
	if channelID == "" {
		t.Fatal("greeting must carry the assigned channel id")
	}

	b := dialClient(t, ts, client.JoinRequest("app", channelID, "bob"), client.DialOptions{})
	if aEvents.next(t) != "+bob" {
		t.Fatal("creator must observe the join")
	}
	if !sameMembers(a.Users(), b.Users()) {
		t.Fatalf("member views diverged: %v vs %v", a.Users(), b.Users())
	}

	if err := b.Send("hello everyone"); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.From != "bob" || msg.Private || string(msg.Data) != `"hello everyone"` {
		t.Fatalf("unexpected broadcast: %+v", msg)
	}

	if err := a.SendPrivately("bob", "just you"); err != nil {
		t.Fatalf("send privately: %v", err)
	}
	msg, err = b.Receive(ctx)
	if err != nil {
		t.Fatalf("receive private: %v", err)
	}
	if !msg.Private || msg.From != "alice" || msg.To != "bob" {
		t.Fatalf("unexpected private message: %+v", msg)
	}

	// B leaves; the channel lives on with A as its sole member.
	b.Disconnect()
	if aEvents.next(t) != "-bob" {
		t.Fatal("creator must observe the departure")
	}
	if _, err := reg.Channel("app", channelID); err != nil {
		t.Fatalf("channel must survive a non-final departure: %v", err)
	}

	// The last member leaving takes the channel with it.
	a.Disconnect()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := reg.Channel("app", channelID); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("channel must vanish once its last member leaves")
}

func TestChannelFullOverWebsocket(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialClient(t, ts, client.CreateRequest("app", "a", proto.ChannelConfig{Capacity: 2}), client.DialOptions{})
	channelID := a.Config().ChannelID
	dialClient(t, ts, client.JoinRequest("app", channelID, "b"), client.DialOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, wsURL(ts), client.JoinRequest("app", channelID, "c"), client.DialOptions{})
	if core.ErrorCode(err) != core.ErrCodeChannelFull {
		t.Fatalf("expected channel_full, got %v", err)
	}
}

func TestBounceReturnsOwnBroadcast(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{Bounce: true}), client.DialOptions{})
	if err := a.Send("echo?"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.From != "alice" || string(msg.Data) != `"echo?"` {
		t.Fatalf("unexpected bounced message: %+v", msg)
	}
}

// delayedAnswers answers immediately unless asked to stall.
type delayedAnswers struct {
	delay time.Duration
}

func (h *delayedAnswers) HandleQuestion(from string, data json.RawMessage) (any, error) {
	var q string
	_ = json.Unmarshal(data, &q)
	if q == "slow" {
		time.Sleep(h.delay)
	}
	return "answer to " + q, nil
}

func TestQuestionAnswerRoundTrip(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{}),
		client.DialOptions{Options: client.Options{Timeout: 300 * time.Millisecond}})
	dialClient(t, ts, client.JoinRequest("app", a.Config().ChannelID, "bob"),
		client.DialOptions{Options: client.Options{QuestionHandler: &delayedAnswers{delay: time.Second}}})

	ctx := context.Background()
	if _, err := a.Ask(ctx, "bob", "slow"); !promiseTimeout(err) {
		t.Fatalf("a stalled responder must time the ask out, got %v", err)
	}

	data, err := a.Ask(ctx, "bob", "fast")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if string(data) != `"answer to fast"` {
		t.Fatalf("unexpected answer: %s", data)
	}
}

func TestAskWithoutDeadlineOutlastsSlowResponder(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	// No Timeout and a background context: the ask has no deadline at all
	// and must simply wait the responder out.
	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{}), client.DialOptions{})
	dialClient(t, ts, client.JoinRequest("app", a.Config().ChannelID, "bob"),
		client.DialOptions{Options: client.Options{QuestionHandler: &delayedAnswers{delay: 500 * time.Millisecond}}})

	start := time.Now()
	data, err := a.Ask(context.Background(), "bob", "slow")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if string(data) != `"answer to slow"` {
		t.Fatalf("unexpected answer: %s", data)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("answer arrived after %v, before the responder could have finished", elapsed)
	}
}

func promiseTimeout(err error) bool {
	return err != nil && core.ErrorCode(err) == core.ErrCodeTimeout && err == promise.ErrTimeout
}

func TestServerCommandsOverWebsocket(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{Name: "lobby", Public: true}),
		client.DialOptions{Options: client.Options{Timeout: 2 * time.Second}})

	info, err := a.ChannelInfo(context.Background())
	if err != nil {
		t.Fatalf("channel info: %v", err)
	}
	if info.ID != a.Config().ChannelID || info.MemberCount != 1 {
		t.Fatalf("unexpected info: %+v", info)
	}

	list, err := a.PublicChannels(context.Background())
	if err != nil {
		t.Fatalf("public channels: %v", err)
	}
	if len(list) != 1 || list[0].Name != "lobby" {
		t.Fatalf("unexpected listing: %+v", list)
	}
}

func TestSimpleQueryOverWebsocket(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	a := dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{Name: "lobby", Public: true}),
		client.DialOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := client.PublicChannelList(ctx, wsURL(ts), "app")
	if err != nil {
		t.Fatalf("simple query: %v", err)
	}
	if len(list) != 1 || list[0].ID != a.Config().ChannelID {
		t.Fatalf("unexpected listing: %+v", list)
	}
}

func TestChannelsEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, nil)

	dialClient(t, ts, client.CreateRequest("app", "alice", proto.ChannelConfig{Name: "lobby", Public: true}),
		client.DialOptions{})
	dialClient(t, ts, client.CreateRequest("app", "bob", proto.ChannelConfig{Name: "hidden"}),
		client.DialOptions{})

	resp, err := ts.Client().Get(ts.URL + "/channels?app=app")
	if err != nil {
		t.Fatalf("channels request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var body struct {
		Channels []proto.ChannelInfo `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Channels) != 1 || body.Channels[0].Name != "lobby" {
		t.Fatalf("unexpected listing: %+v", body.Channels)
	}

	resp, err = ts.Client().Get(ts.URL + "/channels")
	if err != nil {
		t.Fatalf("channels request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusBadRequest {
		t.Fatalf("missing app parameter must be a 400, got %d", resp.StatusCode)
	}
}

func TestChannelsEndpointDisabled(t *testing.T) {
	ts, _ := startTestServer(t, func(cfg *config.Config) {
		cfg.Features.PublicChannels = false
	})

	resp, err := ts.Client().Get(ts.URL + "/channels?app=app")
	if err != nil {
		t.Fatalf("channels request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusForbidden {
		t.Fatalf("disabled discovery must be a 403, got %d", resp.StatusCode)
	}
}
