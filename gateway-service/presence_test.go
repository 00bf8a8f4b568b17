package main

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roomchat/pkg/presence"
)

func onlineNames(frame map[string]any) []string {
	raw, _ := frame["online"].([]any)
	names := make([]string, 0, len(raw))
	for _, entry := range raw {
		if m, ok := entry.(map[string]any); ok {
			if name, ok := m["username"].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

// waitForOnline reads update frames until the online list matches, so tests
// tolerate intermediate states from racing broadcasts.
func waitForOnline(t *testing.T, conn *websocket.Conn, want []string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		last = readFrame(t, conn)
		if assert.ObjectsAreEqual(want, onlineNames(last)) {
			return last
		}
	}
	t.Fatalf("never saw online=%v, last frame %v", want, last)
	return nil
}

func gracefulClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	conn.Close()
}

func TestPresenceAuthRoundTrip(t *testing.T) {
	_, srv, _ := newTestGateway(t, testConfig())

	observer := dialWS(t, srv, "/ws/presence", authToken(t, "bob", ""))
	waitForOnline(t, observer, []string{"bob"})

	// First tab: ada appears exactly once.
	ada1 := dialWS(t, srv, "/ws/presence", authToken(t, "ada", "avatars/ada.png"))
	waitForOnline(t, observer, []string{"ada", "bob"})

	// Second tab: still listed once.
	ada2 := dialWS(t, srv, "/ws/presence", authToken(t, "ada", "avatars/ada.png"))
	waitForOnline(t, observer, []string{"ada", "bob"})

	// Closing one of two tabs keeps ada online.
	gracefulClose(t, ada1)
	waitForOnline(t, observer, []string{"ada", "bob"})

	// Closing the last tab gracefully removes ada immediately, despite the
	// configured grace period.
	gracefulClose(t, ada2)
	waitForOnline(t, observer, []string{"bob"})
}

func TestPresenceAbruptCloseEntersGrace(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceGrace = time.Minute
	gw, srv, _ := newTestGateway(t, cfg)

	observer := dialWS(t, srv, "/ws/presence", authToken(t, "bob", ""))
	waitForOnline(t, observer, []string{"bob"})

	ada := dialWS(t, srv, "/ws/presence", authToken(t, "ada", ""))
	waitForOnline(t, observer, []string{"ada", "bob"})

	// Abrupt close, as in a page reload: ada must stay visibly online,
	// parked at count 0 with a grace deadline.
	ada.Close()
	require.Eventually(t, func() bool {
		online, err := gw.presence.Snapshot(presence.ClassAuth)
		if err != nil {
			return false
		}
		rec, ok := online["ada"]
		return ok && rec.Count == 0 && rec.GraceUntil != 0
	}, 5*time.Second, 20*time.Millisecond, "ada never entered grace")
	waitForOnline(t, observer, []string{"ada", "bob"})
}

func TestPresenceGuestSeesOnlyCount(t *testing.T) {
	_, srv, _ := newTestGateway(t, testConfig())

	guest := dialWS(t, srv, "/ws/presence", "")
	frame := readFrame(t, guest)
	assert.Equal(t, float64(1), frame["guests"])
	_, hasOnline := frame["online"]
	assert.False(t, hasOnline, "guests must not receive the online list")

	// An authenticated viewer sees the list plus the guest count.
	observer := dialWS(t, srv, "/ws/presence", authToken(t, "bob", ""))
	frame = waitForOnline(t, observer, []string{"bob"})
	assert.Equal(t, float64(1), frame["guests"])
}

func TestPresencePingTouchesRecord(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceTouchInterval = 0 // no throttle: every ping touches
	gw, srv, _ := newTestGateway(t, cfg)

	conn := dialWS(t, srv, "/ws/presence", authToken(t, "ada", ""))
	readFrame(t, conn) // initial update

	before, err := gw.presence.Snapshot(presence.ClassAuth)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	require.Eventually(t, func() bool {
		after, err := gw.presence.Snapshot(presence.ClassAuth)
		if err != nil {
			return false
		}
		return after["ada"].LastSeen > before["ada"].LastSeen
	}, 5*time.Second, 20*time.Millisecond, "ping never refreshed last_seen")
}

func TestPresenceIgnoresOtherPayloads(t *testing.T) {
	_, srv, _ := newTestGateway(t, testConfig())

	observer := dialWS(t, srv, "/ws/presence", authToken(t, "bob", ""))
	waitForOnline(t, observer, []string{"bob"})

	conn := dialWS(t, srv, "/ws/presence", authToken(t, "ada", ""))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe"}))

	// Still connected and still online.
	waitForOnline(t, observer, []string{"ada", "bob"})
}

func TestPresenceIdleClose(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceIdleTimeout = 300 * time.Millisecond
	gw, srv, _ := newTestGateway(t, cfg)
	gw.tickOverride = 100 * time.Millisecond

	conn := dialWS(t, srv, "/ws/presence", authToken(t, "ada", ""))

	// Server heartbeats arrive but the client never answers; only client
	// activity defers the watchdog.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "connection was never idle-closed")
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected a close error, got %v", err)
		assert.Equal(t, presenceCloseIdle, closeErr.Code)
		return
	}
}

func TestPresenceIdleCloseRemovesAfterGraceZero(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceGrace = 0
	cfg.PresenceIdleTimeout = 300 * time.Millisecond
	gw, srv, _ := newTestGateway(t, cfg)
	gw.tickOverride = 100 * time.Millisecond

	conn := dialWS(t, srv, "/ws/presence", authToken(t, "ada", ""))
	readFrame(t, conn)

	// Idle close is not a graceful client close, but with zero grace the
	// record must still go away once the server drops the connection.
	require.Eventually(t, func() bool {
		online, err := gw.presence.Snapshot(presence.ClassAuth)
		return err == nil && len(online) == 0
	}, 5*time.Second, 50*time.Millisecond, "record survived idle close with zero grace")
	conn.Close()
}
