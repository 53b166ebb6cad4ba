package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"offline0/internal/protocol"
	"offline0/internal/worker"
)

// Client is a page connected to the message bus.
type Client struct {
	id        string
	url       string
	conn      *websocket.Conn
	bus       *Clients
	connected time.Time

	mu         sync.Mutex
	controller *Handle
	focused    bool
}

func (c *Client) ID() string  { return c.id }
func (c *Client) URL() string { return c.url }

func (c *Client) Controller() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

func (c *Client) Focused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.focused
}

// Focus makes c the only focused page.
func (c *Client) Focus(context.Context) error {
	c.bus.focus(c)
	return nil
}

func (c *Client) PostMessage(ctx context.Context, msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("post to client %s: %w", c.id, err)
	}
	return nil
}

// Clients is the set of connected pages in connection order.
type Clients struct {
	mu   sync.RWMutex
	list []*Client
}

func newClients() *Clients { return &Clients{} }

func (b *Clients) add(conn *websocket.Conn, pageURL string, controller *Handle) *Client {
	c := &Client{
		id:         uuid.NewString(),
		url:        pageURL,
		conn:       conn,
		bus:        b,
		connected:  time.Now(),
		controller: controller,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.list = append(b.list, c)
	return c
}

func (b *Clients) remove(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.list {
		if x == c {
			b.list = append(b.list[:i], b.list[i+1:]...)
			return
		}
	}
}

func (b *Clients) All() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Client(nil), b.list...)
}

func (b *Clients) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.list)
}

func (b *Clients) controlledBy(h *Handle) []worker.Client {
	var out []worker.Client
	for _, c := range b.All() {
		if c.Controller() == h {
			out = append(out, c)
		}
	}
	return out
}

func (b *Clients) setController(h *Handle) {
	for _, c := range b.All() {
		c.mu.Lock()
		c.controller = h
		c.mu.Unlock()
	}
}

func (b *Clients) focus(target *Client) {
	for _, c := range b.All() {
		c.mu.Lock()
		c.focused = c == target
		c.mu.Unlock()
	}
}

func (b *Clients) closeAll() {
	for _, c := range b.All() {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
