package testutil

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classrelay/pkg/protocol"
)

// WSClient is a raw relay socket for end-to-end tests. It decodes every
// frame the server sends and queues it for the Wait helpers.
type WSClient struct {
	conn     *websocket.Conn
	messages chan protocol.Message
	done     chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	readErr error
	connID  string
}

// DialRelay connects to the /ws endpoint of serverURL (http or ws scheme)
// and waits for the server's connection frame.
func DialRelay(ctx context.Context, serverURL string) (*WSClient, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &WSClient{
		conn:     conn,
		messages: make(chan protocol.Message, 100),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	msg, err := c.Wait(protocol.TagConnection, 5*time.Second)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.connID = msg.(*protocol.Connection).SessionID
	return c, nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		select {
		case c.messages <- msg:
		default:
		}
	}
}

// ConnectionID is the id the server assigned in its connection frame.
func (c *WSClient) ConnectionID() string {
	return c.connID
}

func (c *WSClient) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendRaw writes data as a text frame without encoding it.
func (c *WSClient) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Register sends a registration and waits for either the confirmation or
// an error frame.
func (c *WSClient) Register(reg *protocol.Register) (*protocol.ConnectionConfirmed, error) {
	if err := c.Send(reg); err != nil {
		return nil, err
	}
	msg, err := c.WaitAny(5*time.Second, protocol.TagConnectionConfirmed, protocol.TagError)
	if err != nil {
		return nil, err
	}
	if e, ok := msg.(*protocol.Error); ok {
		return nil, fmt.Errorf("registration refused: %s: %s", e.Code, e.Message)
	}
	return msg.(*protocol.ConnectionConfirmed), nil
}

// Wait returns the next message with the given tag, discarding others.
func (c *WSClient) Wait(tag protocol.Tag, timeout time.Duration) (protocol.Message, error) {
	return c.WaitAny(timeout, tag)
}

// WaitAny returns the next message matching one of tags, discarding others.
func (c *WSClient) WaitAny(timeout time.Duration, tags ...protocol.Tag) (protocol.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-c.messages:
			if matches(msg, tags) {
				return msg, nil
			}
		case <-c.done:
			// Frames read before the close are still queued.
			for {
				select {
				case msg := <-c.messages:
					if matches(msg, tags) {
						return msg, nil
					}
				default:
					return nil, fmt.Errorf("connection closed while waiting for %v: %w", tags, c.Err())
				}
			}
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for %v", tags)
		}
	}
}

func matches(msg protocol.Message, tags []protocol.Tag) bool {
	for _, tag := range tags {
		if msg.Tag() == tag {
			return true
		}
	}
	return false
}

// ExpectNone fails if a message with tag arrives within d.
func (c *WSClient) ExpectNone(tag protocol.Tag, d time.Duration) error {
	msg, err := c.Wait(tag, d)
	if err == nil {
		return fmt.Errorf("unexpected %s message: %+v", tag, msg)
	}
	return nil
}

// Done is closed once the server side of the socket has gone away.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

func (c *WSClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

func (c *WSClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
