// Command ws_smoke connects to a running broker, creates a bounce-enabled
// channel, broadcasts one message, and verifies it comes back. Exit code 0
// means the broker routes end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/mkovalev/wirehub/internal/client"
	"github.com/mkovalev/wirehub/internal/proto"
)

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "broker websocket address")
	app := flag.String("app", "smoke", "application id")
	user := flag.String("user", "smoketester", "user id to join with")
	text := flag.String("text", "hello from smoke test", "message to broadcast")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c, err := client.Dial(ctx, *addr, client.CreateRequest(*app, *user, proto.ChannelConfig{
		Name:   "smoke",
		Bounce: true,
	}), client.DialOptions{})
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer c.Disconnect()

	fmt.Printf("joined channel %s as %s\n", c.Config().ChannelID, c.UserID())

	if err := c.Send(*text); err != nil {
		log.Fatalf("send: %v", err)
	}

	msg, err := c.Receive(ctx)
	if err != nil {
		log.Fatalf("receive: %v", err)
	}
	var got string
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		log.Fatalf("decode: %v", err)
	}
	if got != *text {
		log.Fatalf("bounced message mismatch: sent %q, got %q", *text, got)
	}

	fmt.Println("ok: message bounced back")
}
