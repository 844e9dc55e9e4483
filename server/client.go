package server

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
)

// WebSocket timeouts, see https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Clients only send control frames
	maxMessageSize = 4096
)

// StreamMessage is one job lifecycle event as sent to stream clients.
type StreamMessage struct {
	Type     string          `json:"type"`
	Kind     async.EventKind `json:"kind"`
	JobID    string          `json:"job_id,omitempty"`
	Queue    string          `json:"queue,omitempty"`
	Source   string          `json:"source,omitempty"`
	Status   async.JobStatus `json:"status,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Error    string          `json:"error,omitempty"`
	DelayMS  int64           `json:"delay_ms,omitempty"`
	Count    int             `json:"count,omitempty"`
	At       time.Time       `json:"at"`
}

func streamMessage(ev async.Event) StreamMessage {
	msg := StreamMessage{
		Type:    "job_event",
		Kind:    ev.Kind,
		Error:   ev.Error,
		DelayMS: ev.Delay.Milliseconds(),
		Count:   ev.Count,
		At:      ev.At,
	}
	if ev.Job != nil {
		msg.JobID = ev.Job.ID
		msg.Queue = ev.Job.Queue
		msg.Source = ev.Job.Source
		msg.Status = ev.Job.Status
		msg.Attempts = ev.Job.Attempts
	}
	return msg
}

// streamClient is one websocket subscriber, optionally filtered to a queue.
type streamClient struct {
	conn      *websocket.Conn
	queue     string
	done      chan struct{}
	closeOnce sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *streamClient) wants(ev async.Event) bool {
	if c.queue == "" {
		return true
	}
	return ev.Job != nil && ev.Job.Queue == c.queue
}

// GET /api/jobs/stream?queue=email-send
func (s *Server) handleStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	// Subscribed before the handshake completes so no event after it is missed
	events := s.queue().Subscribe()
	defer s.queue().Unsubscribe(events)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the error response
		s.logger.Warnw("Job stream upgrade failed", logger.FieldError, err)
		return
	}

	client := &streamClient{conn: conn, queue: c.Query("queue"), done: make(chan struct{})}
	s.mu.Lock()
	s.streams[client] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, client)
		s.mu.Unlock()
	}()

	log := s.logger.With("remote", c.Request.RemoteAddr, logger.FieldQueue, client.queue)
	log.Debugw("Job stream opened")
	go client.readPump(log)
	client.writePump(events, log)
	log.Debugw("Job stream closed")
}

// readPump discards client frames and notices disconnects.
func (c *streamClient) readPump(log *zap.SugaredLogger) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				log.Warnw("Job stream read error", logger.FieldError, err)
			}
			return
		}
	}
}

// writePump forwards events and keeps the connection alive until the client
// goes away, the subscription closes or the server shuts down.
func (c *streamClient) writePump(events <-chan async.Event, log *zap.SugaredLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.wants(ev) {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(streamMessage(ev)); err != nil {
				log.Debugw("Job stream write failed", logger.FieldError, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeStreams asks every open stream to close.
func (s *Server) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.streams {
		c.close()
	}
}
