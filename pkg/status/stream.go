package status

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Achraf-CHAHBOUNE/real-time-etl-pipeline/pkg/orchestrator"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

const (
	defaultStreamInterval = 2 * time.Second
	pingInterval          = 30 * time.Second
	readTimeout           = 60 * time.Second
	allTables             = "*"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ClientMessage subscribes to or unsubscribes from one table, or "*".
type ClientMessage struct {
	Action string `json:"action"`
	Table  string `json:"table"`
}

// ServerMessage is "progress", "subscribed", "unsubscribed" or "error".
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HandleProgressStream upgrades to a websocket and pushes the progress
// entries that changed since the last push. Clients start subscribed to
// every table.
//
//	-> {"action": "subscribe", "table": "RAIND-APG43_5_S01_A2024"}
//	-> {"action": "unsubscribe", "table": "*"}
//	<- {"type": "progress", "payload": [...]}
func (s *Server) HandleProgressStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()
	s.Logger.Debug("Progress stream connected", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(s.streamContext(), cancel)()
	// Closing conn is the only way to unblock the reader.
	context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})

	subs := xsync.NewMap[string, struct{}]()
	subs.Store(allTables, struct{}{})
	send := make(chan ServerMessage, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pushProgress(ctx, send, subs)
	}()
	go func() {
		defer wg.Done()
		s.writeMessages(ctx, cancel, conn, send)
	}()

	s.readClientMessages(ctx, conn, subs, send)
	cancel()
	wg.Wait()
	s.Logger.Debug("Progress stream disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (s *Server) streamContext() context.Context {
	s.streamsOnce.Do(func() {
		s.streams, s.closeStreams = context.WithCancel(context.Background())
	})
	return s.streams
}

// CloseStreams disconnects every open progress stream. The HTTP server does
// not track hijacked connections, so Stop calls this before shutting down.
func (s *Server) CloseStreams() {
	s.streamContext()
	s.closeStreams()
}

func (s *Server) pushProgress(ctx context.Context, send chan<- ServerMessage, subs *xsync.Map[string, struct{}]) {
	interval := s.StreamInterval
	if interval <= 0 {
		interval = defaultStreamInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := map[string]time.Time{}
	for {
		if s.Progress != nil {
			var changed []orchestrator.Progress
			_, all := subs.Load(allTables)
			for _, p := range s.Progress.Progress() {
				if _, ok := subs.Load(p.Table); !all && !ok {
					continue
				}
				if last, ok := sent[p.Table]; ok && !p.UpdatedAt.After(last) {
					continue
				}
				sent[p.Table] = p.UpdatedAt
				changed = append(changed, p)
			}
			if len(changed) > 0 {
				sort.Slice(changed, func(i, j int) bool { return changed[i].Table < changed[j].Table })
				if !enqueue(ctx, send, ServerMessage{Type: "progress", Payload: changed}) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// writeMessages owns every data write on conn and keeps it alive with pings.
func (s *Server) writeMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan ServerMessage) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				cancel()
				return
			}
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				s.Logger.Warn("Failed to write websocket message", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (s *Server) readClientMessages(ctx context.Context, conn *websocket.Conn, subs *xsync.Map[string, struct{}], send chan<- ServerMessage) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Logger.Warn("Websocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		reply := ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		switch {
		case msg.Table == "" && (msg.Action == "subscribe" || msg.Action == "unsubscribe"):
			reply.Payload = map[string]string{"message": "table is required"}
		case msg.Action == "subscribe":
			subs.Store(msg.Table, struct{}{})
			reply = ServerMessage{Type: "subscribed", Payload: map[string]string{"table": msg.Table}}
		case msg.Action == "unsubscribe":
			subs.Delete(msg.Table)
			reply = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"table": msg.Table}}
		}
		if !enqueue(ctx, send, reply) {
			return
		}
	}
}

func enqueue(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
