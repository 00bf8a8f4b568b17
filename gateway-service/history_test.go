package main

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHistory answers chat.history.* like the history service would and
// captures each request body for assertions.
func stubHistory(t *testing.T, nc *nats.Conn, resp historyResponse) <-chan historyRequest {
	t.Helper()
	captured := make(chan historyRequest, 4)
	_, err := nc.Subscribe("chat.history.>", func(msg *nats.Msg) {
		var req historyRequest
		if json.Unmarshal(msg.Data, &req) != nil || req.Room == "" {
			msg.Respond([]byte(`{"messages":[],"hasMore":false}`))
			return
		}
		captured <- req
		data, _ := json.Marshal(resp)
		msg.Respond(data)
	})
	require.NoError(t, err)
	return captured
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), "body: %s", body)
	}
	return resp.StatusCode
}

func TestRoomMessagesProxiesRoomAndCursor(t *testing.T) {
	_, srv, nc := newTestGateway(t, testConfig())
	captured := stubHistory(t, nc, historyResponse{
		Messages: []historyMessage{
			{ID: 41, Username: "ada", Content: "first", ProfilePic: "avatars/ada.png", CreatedAt: "2026-08-24T10:00:00Z"},
			{ID: 42, Username: "bob", Content: "second", CreatedAt: "2026-08-24T10:00:01Z"},
		},
		HasMore: true,
	})
	token := authToken(t, "ada", "")

	var resp historyResponse
	status := getJSON(t, srv.URL+"/api/chat/rooms/side-channel/messages?before=43&limit=2", token, &resp)
	require.Equal(t, http.StatusOK, status)

	select {
	case req := <-captured:
		assert.Equal(t, "side-channel", req.Room, "the body must name the room")
		assert.Equal(t, int64(43), req.Before)
		assert.Equal(t, 2, req.Limit)
	case <-time.After(2 * time.Second):
		t.Fatal("history request never reached the service")
	}

	require.Len(t, resp.Messages, 2)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "first", resp.Messages[0].Content)
	assert.Equal(t, "second", resp.Messages[1].Content)

	// Stored media names come back as signed fetchable URLs.
	pic := resp.Messages[0].ProfilePic
	assert.Contains(t, pic, "/api/auth/media/avatars/ada.png?")
	assert.Contains(t, pic, "sig=")
	assert.Empty(t, resp.Messages[1].ProfilePic)
}

func TestRoomMessagesAuthorization(t *testing.T) {
	_, srv, nc := newTestGateway(t, testConfig())
	stubHistory(t, nc, historyResponse{Messages: []historyMessage{}})
	token := authToken(t, "ada", "")

	tests := []struct {
		name       string
		path       string
		token      string
		wantStatus int
	}{
		{"guest on public room", "/api/chat/rooms/public/messages", "", http.StatusOK},
		{"guest on private room", "/api/chat/rooms/side-channel/messages", "", http.StatusUnauthorized},
		{"auth on private room", "/api/chat/rooms/side-channel/messages", token, http.StatusOK},
		{"bad slug", "/api/chat/rooms/ab/messages", token, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := getJSON(t, srv.URL+tt.path, tt.token, nil)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestRoomMessagesDegradesWhenServiceDown(t *testing.T) {
	// No chat.history responder: the proxy must answer an empty page, not an
	// error.
	_, srv, _ := newTestGateway(t, testConfig())

	var resp historyResponse
	status := getJSON(t, srv.URL+"/api/chat/rooms/public/messages", "", &resp)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)
}
