package gateway

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/lolygagv2/dogbot-relay/internal/protocol"
)

// serverConn upgrades one request and hands back the server-side wsConn.
func serverConn(t *testing.T) *wsConn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	got := make(chan *wsConn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		got <- newWSConn(ws)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-got
}

func TestSendAfterCloseFailsFast(t *testing.T) {
	wc := serverConn(t)

	f := &protocol.Frame{Kind: protocol.KindEvent, Type: protocol.TypePong}
	if err := wc.Send(f); err != nil {
		t.Fatalf("Send before close: %v", err)
	}

	if err := wc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := wc.Send(f); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Send after close: err=%v, want net.ErrClosed", err)
	}

	// Racing closers share one teardown.
	if err := wc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
