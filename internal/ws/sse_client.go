package ws

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("ws: client closed")

// SSEClient streams Server-Sent Events over an HTTP response writer. Frames
// carry increasing ids so EventSource reconnects report where they stopped.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	event   string
	seq     uint64
	closed  bool
	log     *slog.Logger
}

// NewSSEClient builds an SSE client that labels every frame with event.
// An empty event name sends unnamed "message" frames.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger}
}

// Send emits one frame. Multi-line payloads are split over data lines.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.seq++
	var frame bytes.Buffer
	frame.WriteString("id: ")
	frame.WriteString(strconv.FormatUint(c.seq, 10))
	frame.WriteByte('\n')
	if c.event != "" {
		frame.WriteString("event: ")
		frame.WriteString(c.event)
		frame.WriteByte('\n')
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.writeLocked(frame.Bytes())
}

// Heartbeat emits a comment frame to keep proxies from timing out the stream.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.writeLocked([]byte(": ping\n\n"))
}

func (c *SSEClient) writeLocked(frame []byte) error {
	if _, err := c.writer.Write(frame); err != nil {
		c.log.Warn("sse write failed", "error", err)
		c.closed = true
		return err
	}
	if c.flusher != nil {
		c.flusher.Flush()
	}
	return nil
}

// Stream blocks sending heartbeats every interval until ctx ends or a write
// fails.
func (c *SSEClient) Stream(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// Close stops the stream. The response itself ends when the handler returns.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
