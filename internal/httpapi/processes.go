package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kandev/missionctl/internal/apperr"
	"github.com/kandev/missionctl/internal/broadcaster"
)

func (h *handlers) getProcess(c *gin.Context) {
	p, err := h.d.Store.FindProcessByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondJSON(c, http.StatusOK, p)
}

func (h *handlers) getProcessLogs(c *gin.Context) {
	processID := c.Param("id")
	if _, err := h.d.Store.FindProcessByID(c.Request.Context(), processID); err != nil {
		respondError(c, err)
		return
	}
	raw, err := h.d.Journal.ReadAll(processID)
	if err != nil {
		respondError(c, apperr.Internal(err))
		return
	}
	content := string(raw)
	var lines []string
	if content != "" {
		lines = strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	}
	respondJSON(c, http.StatusOK, gin.H{"content": content, "lines": lines})
}

var sseUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamProcessLogsSSE serves the live log stream as server-sent events,
// resuming from the client's Last-Event-Id when present.
func (h *handlers) streamProcessLogsSSE(c *gin.Context) {
	processID := c.Param("id")
	if _, err := h.d.Store.FindProcessByID(c.Request.Context(), processID); err != nil {
		respondError(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, apperr.Internal(fmt.Errorf("streaming unsupported by response writer")))
		return
	}

	lastEventID := parseLastEventID(c.GetHeader("Last-Event-Id"))
	sink := broadcaster.NewChannelSink(0)
	h.d.Broadcaster.Resume(processID, lastEventID, h.d.Journal.RecentLines(processID), "", sink)
	defer h.d.Broadcaster.Unsubscribe(processID, sink)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sink.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(sseBody{Type: string(evt.Type), Stream: evt.Stream, Data: evt.Data})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\ndata: %s\n\n", evt.ID, payload)
			flusher.Flush()
		}
	}
}

type sseBody struct {
	Type   string `json:"type"`
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data"`
}

func parseLastEventID(header string) uint64 {
	if header == "" {
		return 0
	}
	v, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// wsSink adapts a gorilla/websocket connection to broadcaster.Sink, mirroring
// the teacher's Client.send buffered-channel pattern so a slow reader never
// blocks the producer.
type wsSink struct {
	id   string
	conn *websocket.Conn
	send chan broadcaster.Event
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{id: uuid.New().String(), conn: conn, send: make(chan broadcaster.Event, 256)}
}

func (s *wsSink) Send(evt broadcaster.Event) bool {
	select {
	case s.send <- evt:
		return true
	default:
		return false
	}
}

func (s *wsSink) Close() {
	close(s.send)
}

func (s *wsSink) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case evt, open := <-s.send:
			if !open {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(sseBody{Type: string(evt.Type), Stream: evt.Stream, Data: evt.Data})
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames, unblocking only on disconnect; the
// process log stream is server-to-client only.
func (s *wsSink) readPump(onClose func()) {
	defer onClose()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// streamProcessLogsWS is the WebSocket-transport twin of the SSE endpoint,
// for dev tooling that prefers a persistent duplex connection over SSE.
func (h *handlers) streamProcessLogsWS(c *gin.Context) {
	processID := c.Param("id")
	if _, err := h.d.Store.FindProcessByID(c.Request.Context(), processID); err != nil {
		respondError(c, err)
		return
	}

	conn, err := sseUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.d.Log != nil {
			h.d.Log.WithError(err).Warn("httpapi: websocket upgrade failed")
		}
		return
	}

	sink := newWSSink(conn)
	lastEventID := parseLastEventID(c.Query("lastEventId"))
	h.d.Broadcaster.Resume(processID, lastEventID, h.d.Journal.RecentLines(processID), "", sink)

	go sink.writePump()
	sink.readPump(func() { h.d.Broadcaster.Unsubscribe(processID, sink) })
}

type signalRequest struct {
	Signal string `json:"signal"`
}

var signalByName = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
}

func (h *handlers) signalProcess(c *gin.Context) {
	processID := c.Param("id")
	if _, err := h.d.Store.FindProcessByID(c.Request.Context(), processID); err != nil {
		respondError(c, err)
		return
	}

	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	sig, ok := signalByName[strings.ToUpper(req.Signal)]
	if !ok {
		badRequest(c, "signal must be SIGTERM or SIGKILL")
		return
	}

	if err := h.d.Driver.Orchestrator().Kill(processID, sig); err != nil {
		respondError(c, apperr.Internal(err))
		return
	}
	respondJSON(c, http.StatusOK, gin.H{"signaled": true})
}
