package mqttengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"wagate/internal/mqtt"
	"wagate/internal/ports"
	"wagate/internal/types"
)

var ErrClosed = errors.New("engine client closed")

// Engine talks to an external messaging engine sidecar over MQTT. Each device gets its own
// command, event and result topics under prefix.
type Engine struct {
	bus     mqtt.ClientAPI
	prefix  string
	timeout time.Duration
}

func New(bus mqtt.ClientAPI, prefix string, timeout time.Duration) *Engine {
	return &Engine{bus: bus, prefix: prefix, timeout: timeout}
}

// NewClient subscribes to the device's event and result topics before returning, so nothing the
// sidecar emits after start is lost.
func (e *Engine) NewClient(_ context.Context, deviceID string, auth []byte) (ports.EngineClient, error) {
	c := &client{
		id:       deviceID,
		auth:     auth,
		bus:      e.bus,
		timeout:  e.timeout,
		cmdTopic: topic(e.prefix, deviceID, "command"),
		evTopic:  topic(e.prefix, deviceID, "event"),
		resTopic: topic(e.prefix, deviceID, "result"),
		out:      make(chan ports.Event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		pending:  map[string]chan result{},
	}
	if err := e.bus.Subscribe(c.resTopic, c.onResult); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", c.resTopic, err)
	}
	if err := e.bus.Subscribe(c.evTopic, c.onEvent); err != nil {
		_ = e.bus.Unsubscribe(c.resTopic)
		return nil, fmt.Errorf("subscribe %s: %w", c.evTopic, err)
	}
	go c.pump()
	return c, nil
}

func topic(prefix, id, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, id, leaf)
}

type client struct {
	id      string
	auth    []byte
	bus     mqtt.ClientAPI
	timeout time.Duration

	cmdTopic, evTopic, resTopic string

	out  chan ports.Event
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	queue   []ports.Event
	pending map[string]chan result
	closed  bool
}

func (c *client) Events() <-chan ports.Event { return c.out }

// onEvent queues decoded events. The queue is unbounded so the broker callback never blocks
// on a slow consumer.
func (c *client) onEvent(_ string, payload []byte) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.WithError(err).WithField("deviceID", c.id).Warn("malformed engine event")
		return
	}
	pe, err := ev.toPort()
	if err != nil {
		log.WithError(err).WithField("deviceID", c.id).Warn("engine event ignored")
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, pe)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events to out in order and closes out once the client is closed.
func (c *client) pump() {
	defer close(c.out)
	for {
		c.mu.Lock()
		var next []ports.Event
		next, c.queue = c.queue, nil
		c.mu.Unlock()

		for _, ev := range next {
			select {
			case c.out <- ev:
			case <-c.done:
				return
			}
		}
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
	}
}

func (c *client) onResult(_ string, payload []byte) {
	var res result
	if err := json.Unmarshal(payload, &res); err != nil {
		log.WithError(err).WithField("deviceID", c.id).Warn("malformed engine result")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[res.CorrelationID]
	delete(c.pending, res.CorrelationID)
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

// request publishes cmd and waits for its result, the request timeout or ctx.
func (c *client) request(ctx context.Context, cmd command) (result, error) {
	cmd.CorrelationID = uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return result{}, ErrClosed
	}
	c.pending[cmd.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.CorrelationID)
		c.mu.Unlock()
	}()

	b, err := json.Marshal(cmd)
	if err != nil {
		return result{}, err
	}
	if err := c.bus.Publish(c.cmdTopic, b); err != nil {
		return result{}, fmt.Errorf("publish %s: %w", cmd.Type, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if !res.OK {
			if res.Error == "" {
				res.Error = "rejected by engine"
			}
			return res, fmt.Errorf("%s: %s", cmd.Type, res.Error)
		}
		return res, nil
	case <-timer.C:
		return result{}, fmt.Errorf("%s: no reply from engine within %s", cmd.Type, c.timeout)
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.done:
		return result{}, ErrClosed
	}
}

// Start asks the sidecar to open the session and returns once it has acknowledged.
func (c *client) Start(ctx context.Context) error {
	_, err := c.request(ctx, command{Type: cmdStart, Auth: c.auth})
	return err
}

func (c *client) SendText(ctx context.Context, target, body string) error {
	_, err := c.request(ctx, command{Type: cmdSendText, Target: target, Body: body})
	return err
}

func (c *client) SendMedia(ctx context.Context, target string, media types.Media, caption string) error {
	_, err := c.request(ctx, command{
		Type:    cmdSendMedia,
		Target:  target,
		Media:   &wireMedia{Mime: media.MimeType, Filename: media.Filename, Data: media.Data},
		Caption: caption,
	})
	return err
}

func (c *client) ListChats(ctx context.Context) ([]types.Chat, error) {
	res, err := c.request(ctx, command{Type: cmdListGroupChats})
	if err != nil {
		return nil, err
	}
	return res.Chats, nil
}

// Close stops the remote session without waiting for an answer and releases the topics.
// It never blocks on event delivery.
func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()
	close(c.done)

	var errs []error
	if b, err := json.Marshal(command{Type: cmdStop}); err == nil {
		errs = append(errs, c.bus.Publish(c.cmdTopic, b))
	}
	errs = append(errs, c.bus.Unsubscribe(c.evTopic), c.bus.Unsubscribe(c.resTopic))
	return errors.Join(errs...)
}
