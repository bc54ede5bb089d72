// Package fake is an in-process engine. In manual mode tests drive every event by hand; in demo
// mode each client pairs itself after a short delay so the service can run without a sidecar.
package fake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wagate/internal/ports"
	"wagate/internal/types"
)

var ErrClosed = errors.New("fake client closed")

const eventBuffer = 256

// Sent records one successful outbound call.
type Sent struct {
	Target  string
	Body    string
	Media   *types.Media
	Caption string
}

type Engine struct {
	mu       sync.Mutex
	clients  map[string][]*Client
	newErr   error
	startErr error
	chats    []types.Chat

	// PairDelay enables demo mode when positive.
	PairDelay time.Duration
}

func New() *Engine {
	return &Engine{clients: map[string][]*Client{}}
}

// NewDemo returns an engine whose clients issue a pairing code on start and become ready after
// delay. Clients that start with auth material become ready immediately.
func NewDemo(delay time.Duration) *Engine {
	e := New()
	e.PairDelay = delay
	e.chats = []types.Chat{
		{ID: "120363000000000001@g.us", Name: "Demo group", IsGroup: true},
		{ID: "6281200000000@c.us", Name: "Demo contact"},
	}
	return e
}

// FailNewClient makes subsequent NewClient calls fail with err (nil to clear).
func (e *Engine) FailNewClient(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newErr = err
}

// FailStart makes Start of subsequently created clients fail with err (nil to clear).
func (e *Engine) FailStart(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startErr = err
}

func (e *Engine) SetChats(chats []types.Chat) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chats = chats
}

func (e *Engine) NewClient(_ context.Context, deviceID string, auth []byte) (ports.EngineClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.newErr != nil {
		return nil, e.newErr
	}
	c := &Client{
		ID:        deviceID,
		Auth:      auth,
		events:    make(chan ports.Event, eventBuffer),
		done:      make(chan struct{}),
		startErr:  e.startErr,
		chats:     e.chats,
		failures:  map[string]error{},
		pairDelay: e.PairDelay,
	}
	e.clients[deviceID] = append(e.clients[deviceID], c)
	return c, nil
}

// Client returns the most recently created client for id.
func (e *Engine) Client(id string) (*Client, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs := e.clients[id]
	if len(cs) == 0 {
		return nil, false
	}
	return cs[len(cs)-1], true
}

// Created is the number of clients ever created for id.
func (e *Engine) Created(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients[id])
}

type Client struct {
	ID   string
	Auth []byte

	events    chan ports.Event
	done      chan struct{}
	startErr  error
	pairDelay time.Duration

	mu       sync.Mutex
	started  bool
	closed   bool
	sent     []Sent
	chats    []types.Chat
	failures map[string]error
}

func (c *Client) Events() <-chan ports.Event { return c.events }

func (c *Client) Start(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.startErr != nil {
		c.mu.Unlock()
		return c.startErr
	}
	c.started = true
	c.mu.Unlock()
	if c.pairDelay > 0 {
		go c.demo()
	}
	return nil
}

func (c *Client) demo() {
	if len(c.Auth) == 0 {
		c.Emit(ports.Event{Kind: ports.EventPairingCode, Payload: fmt.Sprintf("2@fake-%s-%d", c.ID, time.Now().Unix())})
		select {
		case <-time.After(c.pairDelay):
		case <-c.done:
			return
		}
		c.Emit(ports.Event{Kind: ports.EventAuthUpdated, Auth: []byte("fake-auth:" + c.ID)})
	}
	c.Emit(ports.Event{Kind: ports.EventReady})
}

// Emit delivers ev as if the engine produced it. It is a no-op once the client is closed.
func (c *Client) Emit(ev ports.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.WithField("deviceID", c.ID).Warn("fake engine event buffer full, event dropped")
	}
}

// FailTarget makes sends to target fail with err (nil to clear).
func (c *Client) FailTarget(target string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, target)
		return
	}
	c.failures[target] = err
}

func (c *Client) SendText(_ context.Context, target, body string) error {
	return c.record(Sent{Target: target, Body: body})
}

func (c *Client) SendMedia(_ context.Context, target string, media types.Media, caption string) error {
	return c.record(Sent{Target: target, Media: &media, Caption: caption})
}

func (c *Client) record(s Sent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.failures[s.Target]; err != nil {
		return err
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *Client) ListChats(_ context.Context) ([]types.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return append([]types.Chat(nil), c.chats...), nil
}

func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	close(c.events)
	return nil
}
