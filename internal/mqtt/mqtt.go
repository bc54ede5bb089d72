package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const opTimeout = 10 * time.Second

// ClientAPI is the minimal surface the engine adapter needs.
// It enables unit testing without a live broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
}

// Handler receives one message. Calls for one subscription arrive in publish order.
type Handler func(topic string, payload []byte)

type Client struct {
	cli paho.Client
}

// New connects to brokerURL (mqtt://, tcp://, ssl://, tls://, ws:// or wss://).
// Credentials may be carried in the URL user info.
func New(brokerURL, clientID string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	opts := paho.NewClientOptions()
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts.AddBroker(server)
	opts.SetClientID(clientID + "-" + time.Now().Format("150405.000"))
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(paho.Client) { log.WithField("broker", u.Host).Info("mqtt connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { log.WithError(err).Error("mqtt connection lost") }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	cli := paho.NewClient(opts)
	if err := wait(cli.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	err := wait(c.cli.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		cb(m.Topic(), m.Payload())
	}))
	if err != nil {
		return err
	}
	log.WithField("topic", topic).Debug("mqtt subscribed")
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	if err := wait(c.cli.Unsubscribe(topic)); err != nil {
		return err
	}
	log.WithField("topic", topic).Debug("mqtt unsubscribed")
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	return wait(c.cli.Publish(topic, 1, false, payload))
}

// Close disconnects, giving in-flight work a short grace period.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(opTimeout) {
		return fmt.Errorf("mqtt operation timed out after %s", opTimeout)
	}
	return t.Error()
}
