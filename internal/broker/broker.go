// Package broker bridges the zone controllers to the external messaging
// layer over a websocket connection: inbound commands are dispatched to a
// handler, and status, outcomes, and warnings are published back.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mediazones/internal/command"
	"mediazones/internal/zone"
)

// Handler runs one inbound command and returns its outcome.
type Handler func(ctx context.Context, cmd command.Command) command.Outcome

// frame is the wire envelope in both directions.
type frame struct {
	Type    string           `json:"type"`
	Command *command.Command `json:"command,omitempty"`
	Zone    string           `json:"zone,omitempty"`
	Status  *zone.Status     `json:"status,omitempty"`
	Outcome *command.Outcome `json:"outcome,omitempty"`
	Message string           `json:"message,omitempty"`
}

const (
	frameCommand = "command"
	frameStatus  = "status"
	frameOutcome = "outcome"
	frameWarning = "warning"
)

const commandTimeout = 30 * time.Second

// Client maintains the bridge connection, reconnecting with exponential
// backoff on loss. It implements zone.Publisher; publishes while
// disconnected are dropped with a log line rather than buffered.
type Client struct {
	url     string
	handler Handler
	logger  *zap.Logger

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex // protects websocket writes

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewClient(url string, handler Handler, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		handler: handler,
		logger:  logger.Named("broker"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the broker and starts the receive loop.
func (c *Client) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	c.logger.Info("Connected to broker", zap.String("url", c.url))
	go c.receiveLoop(conn)
	return nil
}

// IsConnected reports whether the bridge is currently up.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

// Disconnect closes the bridge and stops reconnecting.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { c.cancel() })

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}
}

func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			c.logger.Warn("Broker read failed", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if f.Type != frameCommand || f.Command == nil {
			c.logger.Debug("Ignoring unexpected frame", zap.String("type", f.Type))
			continue
		}
		// Each command runs in its own goroutine; the zone controllers
		// serialize per zone themselves.
		go c.dispatch(*f.Command)
	}
}

func (c *Client) dispatch(cmd command.Command) {
	c.logger.Info("Command received",
		zap.String("command", string(cmd.Name)), zap.String("zone", cmd.Zone))
	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()
	outcome := c.handler(ctx, cmd)
	c.PublishOutcome(outcome)
}

func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.connMu.Unlock()
	conn.Close()

	select {
	case <-c.ctx.Done():
		return
	default:
	}
	c.logger.Warn("Broker connection lost")
	go c.attemptReconnect()
}

// attemptReconnect retries with exponential backoff up to 30s intervals.
func (c *Client) attemptReconnect() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Reconnecting to broker")
		if err := c.Connect(); err != nil {
			c.logger.Error("Broker reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

// send writes one frame if connected, dropping it otherwise.
func (c *Client) send(f frame) {
	c.connMu.Lock()
	conn := c.conn
	ok := c.connected
	c.connMu.Unlock()
	if !ok || conn == nil {
		c.logger.Debug("Dropping publish while disconnected", zap.String("type", f.Type))
		return
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("Broker write failed", zap.Error(err))
	}
}

// PublishStatus implements zone.Publisher.
func (c *Client) PublishStatus(zoneName string, st zone.Status) {
	c.send(frame{Type: frameStatus, Zone: zoneName, Status: &st})
}

// PublishOutcome implements zone.Publisher.
func (c *Client) PublishOutcome(out command.Outcome) {
	c.send(frame{Type: frameOutcome, Zone: out.Zone, Outcome: &out})
}

// PublishWarning implements zone.Publisher.
func (c *Client) PublishWarning(zoneName, message string) {
	c.send(frame{Type: frameWarning, Zone: zoneName, Message: message})
}
