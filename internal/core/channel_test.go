package core

import (
	"encoding/json"
	"testing"

	"github.com/mkovalev/wirehub/internal/auth"
	"github.com/mkovalev/wirehub/internal/proto"
)

func TestCreatorIsSoleMemberAfterJoin(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{Capacity: 4}, "alice")

	alice := newFakeMember("alice")
	mustJoin(t, ch, alice)

	info := ch.Info()
	if info.MemberCount != 1 {
		t.Fatalf("expected 1 member, got %d", info.MemberCount)
	}
	if info.CreatedBy != "alice" {
		t.Fatalf("unexpected creator: %s", info.CreatedBy)
	}

	greeting := decodePayload[proto.Greeting](t, alice.lastOf(t, proto.KindGreeting))
	if len(greeting.Users) != 1 || greeting.Users[0] != "alice" {
		t.Fatalf("greeting should list the joining member itself: %v", greeting.Users)
	}
	if greeting.Config.ChannelID != ch.ID().Channel {
		t.Fatalf("greeting config misses channel id: %+v", greeting.Config)
	}
}

func TestJoinAtCapacityFailsWithoutMutation(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{Capacity: 2}, "a")

	mustJoin(t, ch, newFakeMember("a"))
	mustJoin(t, ch, newFakeMember("b"))

	late := newFakeMember("c")
	err := ch.Join("c", late, "")
	if code := errCode(t, err); code != ErrCodeChannelFull {
		t.Fatalf("expected channel_full, got %s", code)
	}
	if got := ch.Info().MemberCount; got != 2 {
		t.Fatalf("failed join must not change membership, got %d members", got)
	}
	if len(late.framesOf(proto.KindGreeting)) != 0 {
		t.Fatal("rejected member must not receive a greeting")
	}
}

func TestJoinDuplicateUserFailsWithoutMutation(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")
	mustJoin(t, ch, newFakeMember("a"))

	err := ch.Join("a", newFakeMember("a"), "")
	if code := errCode(t, err); code != ErrCodeDuplicateUserID {
		t.Fatalf("expected duplicate_user_id, got %s", code)
	}
	if got := ch.Info().MemberCount; got != 1 {
		t.Fatalf("failed join must not change membership, got %d members", got)
	}
}

func TestGreetingPrecedesUserChangeBroadcast(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")

	a := newFakeMember("a")
	b := newFakeMember("b")
	mustJoin(t, ch, a)
	mustJoin(t, ch, b)

	// The new member's first frame is its greeting, with a snapshot that
	// already includes itself.
	if b.frames[0].Kind != proto.KindGreeting {
		t.Fatalf("first frame to joiner should be the greeting, got %q", b.frames[0].Kind)
	}
	greeting := decodePayload[proto.Greeting](t, b.frames[0])
	if len(greeting.Users) != 2 {
		t.Fatalf("greeting snapshot should include the joiner: %v", greeting.Users)
	}

	change := decodePayload[proto.UserChange](t, a.lastOf(t, proto.KindUserChange))
	if change.UserID != "b" || !change.Joined {
		t.Fatalf("unexpected user change at existing member: %+v", change)
	}
	if len(b.framesOf(proto.KindUserChange)) != 0 {
		t.Fatal("joiner must not be notified about its own join")
	}
}

func TestPrivateMessageReachesOnlyTarget(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")

	a, b, c := newFakeMember("a"), newFakeMember("b"), newFakeMember("c")
	mustJoin(t, ch, a)
	mustJoin(t, ch, b)
	mustJoin(t, ch, c)

	f := proto.PrivateFrame(proto.KindMessage, "a", "b", nil)
	f.Data = json.RawMessage(`"secret"`)
	ch.Send(f)

	if got := len(b.framesOf(proto.KindMessage)); got != 1 {
		t.Fatalf("target should receive exactly one message, got %d", got)
	}
	if string(b.framesOf(proto.KindMessage)[0].Data) != `"secret"` {
		t.Fatal("payload mangled in transit")
	}
	if len(a.framesOf(proto.KindMessage)) != 0 || len(c.framesOf(proto.KindMessage)) != 0 {
		t.Fatal("private message leaked to non-targets")
	}
}

func TestPrivateMessageToUnknownTargetIsDropped(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")
	a := newFakeMember("a")
	mustJoin(t, ch, a)

	ch.Send(proto.PrivateFrame(proto.KindMessage, "a", "ghost", nil))

	if len(a.framesOf(proto.KindMessage)) != 0 {
		t.Fatal("drop-to-unknown must not reroute the frame")
	}
}

func TestBroadcastBounceSemantics(t *testing.T) {
	for _, bounce := range []bool{false, true} {
		reg := newTestRegistry()
		ch := mustCreate(t, reg, "app", proto.ChannelConfig{Bounce: bounce}, "a")

		a, b := newFakeMember("a"), newFakeMember("b")
		mustJoin(t, ch, a)
		mustJoin(t, ch, b)

		ch.Send(proto.AppFrame("a", json.RawMessage(`"hi"`)))

		if got := len(b.framesOf(proto.KindMessage)); got != 1 {
			t.Fatalf("bounce=%v: other member should receive 1 message, got %d", bounce, got)
		}
		senderGot := len(a.framesOf(proto.KindMessage))
		if bounce && senderGot != 1 {
			t.Fatalf("bounce=true: sender should hear itself, got %d", senderGot)
		}
		if !bounce && senderGot != 0 {
			t.Fatalf("bounce=false: sender must not hear itself, got %d", senderGot)
		}
	}
}

func TestQuitNotifiesAndKicks(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")

	a, b := newFakeMember("a"), newFakeMember("b")
	mustJoin(t, ch, a)
	mustJoin(t, ch, b)

	ch.Quit("b")

	if !b.wasKicked() {
		t.Fatal("departing member should be kicked")
	}
	change := decodePayload[proto.UserChange](t, a.lastOf(t, proto.KindUserChange))
	if change.UserID != "b" || change.Joined {
		t.Fatalf("unexpected departure notification: %+v", change)
	}
	if got := ch.Info().MemberCount; got != 1 {
		t.Fatalf("expected 1 remaining member, got %d", got)
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")
	mustJoin(t, ch, newFakeMember("a"))

	ch.Quit("ghost")
	ch.Quit("a")
	ch.Quit("a")
}

func TestLastQuitRemovesChannelFromRegistry(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")
	mustJoin(t, ch, newFakeMember("a"))

	ch.Quit("a")

	// Removal is synchronous with respect to subsequent lookups.
	_, err := reg.Channel("app", ch.ID().Channel)
	if code := errCode(t, err); code != ErrCodeInvalidChannelID {
		t.Fatalf("expected invalid_channel_id after last quit, got %s", code)
	}
}

func TestCloseEvictsEveryoneOnce(t *testing.T) {
	reg := newTestRegistry()
	ch := mustCreate(t, reg, "app", proto.ChannelConfig{}, "a")

	a, b := newFakeMember("a"), newFakeMember("b")
	mustJoin(t, ch, a)
	mustJoin(t, ch, b)

	ch.Close()
	ch.Close() // second close is a no-op

	if !a.wasKicked() || !b.wasKicked() {
		t.Fatal("close should evict all members")
	}
	if got := ch.Info().MemberCount; got != 0 {
		t.Fatalf("expected empty channel after close, got %d", got)
	}

	err := ch.Join("c", newFakeMember("c"), "")
	if code := errCode(t, err); code != ErrCodeChannelClosed {
		t.Fatalf("closed channel must reject joins, got %s", code)
	}
}

func TestJoinPasswordChecks(t *testing.T) {
	reg := newTestRegistry()
	hash, err := auth.HashChannelPassword("s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ch, err := reg.CreateChannel("app", proto.ChannelConfig{}, "a", hash)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if !ch.Config().Protected {
		t.Fatal("password-bearing channel should announce itself as protected")
	}

	joinErr := ch.Join("b", newFakeMember("b"), "wrong")
	if code := errCode(t, joinErr); code != ErrCodeBadPassword {
		t.Fatalf("expected bad_password, got %s", code)
	}
	if err := ch.Join("b", newFakeMember("b"), "s3cret"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}
