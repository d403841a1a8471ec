package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/checkpoint"
	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeProgress []orchestrator.Progress

func (f fakeProgress) Progress() []orchestrator.Progress { return f }

func newServer(t *testing.T) *Server {
	store := checkpoint.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), checkpoint.Checkpoint{Table: "RAIND-APG43_5_S01_A2024", Offset: 10, Extracted: 10}))
	return &Server{
		Progress: fakeProgress{
			{Table: "b", Status: checkpoint.StatusInProgress, Extracted: 1, Total: 2},
			{Table: "a", Status: checkpoint.StatusComplete, Extracted: 2, Total: 2},
		},
		Checkpoints: store,
		Checks:      map[string]Check{"source": func(context.Context) error { return nil }},
		Logger:      zaptest.NewLogger(t),
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)

	s.Checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]checkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "up", body["source"].Status)
	assert.Equal(t, "down", body["redis"].Status)
	assert.Equal(t, "connection refused", body["redis"].Error)
}

func TestProgressSorted(t *testing.T) {
	rec := get(t, newServer(t), "/progress")
	require.Equal(t, http.StatusOK, rec.Code)

	var body []orchestrator.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 2)
	assert.Equal(t, "a", body[0].Table)
	assert.Equal(t, checkpoint.StatusComplete, body[0].Status)
}

func TestCheckpoints(t *testing.T) {
	s := newServer(t)

	rec := get(t, s, "/checkpoints/RAIND-APG43_5_S01_A2024")
	require.Equal(t, http.StatusOK, rec.Code)
	var cp checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cp))
	assert.EqualValues(t, 10, cp.Offset)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/checkpoints/unknown").Code)

	rec = get(t, s, "/checkpoints")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newServer(t), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProgressStream(t *testing.T) {
	s := newServer(t)
	s.StreamInterval = 10 * time.Millisecond
	srv := httptest.NewServer(s.NewRouter())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/progress/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg struct {
		Type    string                  `json:"type"`
		Payload []orchestrator.Progress `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "progress", msg.Type)
	require.Len(t, msg.Payload, 2)
	assert.Equal(t, "a", msg.Payload[0].Table)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Table: "b"}))
	var ack ServerMessage
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "bogus"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "error", ack.Type)
}

func TestCloseStreamsDisconnectsClients(t *testing.T) {
	s := newServer(t)
	s.StreamInterval = 10 * time.Millisecond
	srv := httptest.NewServer(s.NewRouter())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/progress/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first ServerMessage
	require.NoError(t, conn.ReadJSON(&first))

	require.NoError(t, s.Stop(context.Background()))

	for {
		_, _, err = conn.ReadMessage()
		if err != nil {
			break
		}
	}
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr, "server closed the stream instead of idling until the deadline")
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
