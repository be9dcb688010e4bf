package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
	"github.com/openctemio/sast-triage/pkg/domain/triage"
	"github.com/openctemio/sast-triage/pkg/logger"
)

func TestParseChannel(t *testing.T) {
	typ, id := ParseChannel("scan:abc")
	assert.Equal(t, ChannelTypeScan, typ)
	assert.Equal(t, "abc", id)

	typ, id = ParseChannel("scans")
	assert.Equal(t, ChannelTypeScans, typ)
	assert.Empty(t, id)

	assert.True(t, authorize("scan:abc"))
	assert.True(t, authorize("scans"))
	assert.False(t, authorize("scan:"))
	assert.False(t, authorize("tenant:abc"))
}

func TestCheckOrigin(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, checkOrigin(nil)(r), "requests without Origin are not browser cross-origin")

	r.Header.Set("Origin", "https://ui.example")
	assert.False(t, checkOrigin([]string{"https://other.example"})(r))
	assert.True(t, checkOrigin([]string{"https://ui.example"})(r))
	assert.True(t, checkOrigin([]string{"*"})(r))
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_PublishScanReachesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, []string{"*"}, nil, logger.NewNop()).ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	scan := triage.NewScan(shared.NewID())
	channel := MakeChannel(ChannelTypeScan, scan.ID().String())

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Channel: channel, RequestID: "r1"}))
	ack := readMessage(t, conn)
	assert.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.Equal(t, "r1", ack.RequestID)

	hub.PublishScan(ctx, scan)

	event := readMessage(t, conn)
	assert.Equal(t, MessageTypeEvent, event.Type)
	assert.Equal(t, channel, event.Channel)

	var payload ScanEvent
	require.NoError(t, json.Unmarshal(event.Data, &payload))
	assert.Equal(t, scan.ID().String(), payload.ScanID)
	assert.Equal(t, string(triage.StatusPending), payload.Status)
}

func TestHub_RejectsUnknownChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(logger.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewHandler(hub, []string{"*"}, nil, logger.NewNop()).ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Channel: "tenant:x"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)

	var data ErrorData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "FORBIDDEN", data.Code)
}
