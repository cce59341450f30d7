// device-sim-go is an E2E harness: a fake robot that connects to the relay's
// device endpoint, acknowledges commands by echoing them back as events, and
// prints every frame it receives. Drive it against a locally running relay:
//
//	RELAY_URL=ws://127.0.0.1:8080/ws/device DEVICE_ID=dog-1 DEVICE_SECRET=... go run ./e2e/device-sim-go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lolygagv2/dogbot-relay/internal/auth"
	"github.com/lolygagv2/dogbot-relay/internal/protocol"
)

func main() {
	relayURL := envOrDefault("RELAY_URL", "ws://127.0.0.1:8080/ws/device")
	deviceID := envOrDefault("DEVICE_ID", "dog-1")
	secret := os.Getenv("DEVICE_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "DEVICE_SECRET is required")
		os.Exit(2)
	}

	ts, sig := auth.Sign(secret, deviceID, time.Now())
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("ts", ts)
	q.Set("sig", sig)

	conn, _, err := websocket.DefaultDialer.Dial(relayURL+"?"+q.Encode(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", relayURL, err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	fmt.Printf("READY %s\n", deviceID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			os.Exit(1)
		}

		f, err := protocol.Parse(data)
		if err != nil {
			fmt.Printf("UNPARSEABLE %s\n", data)
			continue
		}
		fmt.Printf("RECV kind=%s type=%s session=%s sender=%s payload=%s\n", f.Kind, f.Type, f.SessionID, f.Sender, f.Payload)

		// Acknowledge commands the way the firmware would: one event per
		// command, payload echoed.
		if f.Kind == protocol.KindCommand && f.Type != protocol.TypePing {
			ack := map[string]any{
				"kind":    protocol.KindEvent,
				"type":    "command_ack",
				"payload": map[string]any{"acked": f.Type, "echo": json.RawMessage(orEmptyObject(f.Payload))},
			}
			if err := conn.WriteJSON(ack); err != nil {
				fmt.Fprintf(os.Stderr, "write ack: %v\n", err)
				os.Exit(1)
			}
		}
	}
}

func orEmptyObject(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
