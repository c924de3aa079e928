package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrConnClosed is returned for requests in flight when the control
	// channel goes away.
	ErrConnClosed = errors.New("engine: control connection closed")
	// ErrTimeout is returned when the player does not reply in time.
	ErrTimeout = errors.New("engine: request timed out")
)

// maxLineSize bounds a single control-channel frame. Property payloads are
// small; anything larger indicates a corrupt stream.
const maxLineSize = 1 << 20

// ipcConn is a correlated request/response client over a line-delimited
// JSON socket. Replies are matched to requests by id; unsolicited frames
// are forwarded to the event callback.
type ipcConn struct {
	conn    net.Conn
	timeout time.Duration
	onEvent func(Event)
	logger  *zap.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan message
	nextID    int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newIPCConn(conn net.Conn, timeout time.Duration, onEvent func(Event), logger *zap.Logger) *ipcConn {
	c := &ipcConn{
		conn:    conn,
		timeout: timeout,
		onEvent: onEvent,
		logger:  logger,
		pending: make(map[int64]chan message),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// request sends one command and waits for its correlated reply.
func (c *ipcConn) request(ctx context.Context, cmd ...any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrConnClosed
	default:
	}

	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(request{Command: cmd, RequestID: id})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	payload = append(payload, '\n')

	c.writeMu.Lock()
	_, err = c.conn.Write(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != "" && reply.Error != replyOK {
			return nil, fmt.Errorf("engine: %s", reply.Error)
		}
		return reply.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, c.timeout, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrConnClosed
	}
}

func (c *ipcConn) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("Dropping unparseable frame", zap.Error(err))
			continue
		}
		if msg.Event != "" {
			c.dispatchEvent(msg)
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.RequestID]
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.logger.Debug("Reply with no waiting request", zap.Int64("request_id", msg.RequestID))
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Control channel read ended", zap.Error(err))
	}
	c.close()
}

func (c *ipcConn) dispatchEvent(msg message) {
	if c.onEvent == nil {
		return
	}
	ev := Event{
		Kind:      EventKind(msg.Event),
		Reason:    msg.Reason,
		Property:  msg.Name,
		ObserveID: msg.ID,
	}
	if len(msg.Data) > 0 {
		var v any
		if err := json.Unmarshal(msg.Data, &v); err == nil {
			ev.Value = v
		}
	}
	c.onEvent(ev)
}

// close tears down the connection and fails every request in flight.
// Safe to call from multiple goroutines.
func (c *ipcConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
