package darwin

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/sirupsen/logrus"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateReceiving
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

const (
	initialBackoff = time.Second
	backoffJitter  = 0.2

	// After an authentication failure, back off harder to avoid a
	// broker-side lockout.
	authBackoffMultiplier = 4

	disconnectGrace = 2 * time.Second
)

type ClientConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Topic    string

	// Durable subscription identity, required by the push port
	// broker to replay missed messages after reconnects.
	ClientID string

	Heartbeat  time.Duration
	MaxBackoff time.Duration
}

// A raw frame delivered to the decoder.
type Frame struct {
	Body       []byte
	ReceivedAt time.Time
}

// Long-lived push port subscriber. Maintains the broker connection
// through Disconnected, Connecting, Connected, Subscribed, Receiving,
// Reconnecting and finally Stopped, delivering raw frames on a
// channel. Failures are retried indefinitely with exponential
// back-off.
type Client struct {
	cfg    ClientConfig
	log    *logrus.Entry
	frames chan Frame
	state  atomic.Int32
}

func NewClient(cfg ClientConfig, log *logrus.Entry) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Client{
		cfg:    cfg,
		log:    log,
		frames: make(chan Frame),
	}
}

// The frame stream. Closed when Run returns.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).
			Debug("connection state change")
	}
}

// Runs the subscription until the context is cancelled. Returns nil
// on clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)
	defer c.setState(StateStopped)

	backoff := initialBackoff
	authFailures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		gotFrame, err := c.connectAndReceive(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if gotFrame {
			backoff = initialBackoff
			authFailures = 0
		}

		authFailed := err != nil && isAuthError(err)
		delay, next := nextBackoff(backoff, c.cfg.MaxBackoff, authFailed)
		backoff = next

		if authFailed {
			authFailures++
			if authFailures == 1 {
				c.log.WithError(err).Error("authentication rejected by broker")
			}
		} else if err != nil {
			c.log.WithError(err).WithField("retry_in", delay.String()).
				Warn("connection lost, reconnecting")
		}

		c.setState(StateReconnecting)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(withJitter(delay)):
		}
	}
}

// One connection lifetime: dial, subscribe, receive until failure or
// shutdown. Reports whether at least one frame arrived.
func (c *Client) connectAndReceive(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(c.cfg.User, c.cfg.Password),
		stomp.ConnOpt.HeartBeat(c.cfg.Heartbeat, c.cfg.Heartbeat),
		stomp.ConnOpt.HeartBeatGracePeriodMultiplier(2),
	}
	if c.cfg.ClientID != "" {
		opts = append(opts, stomp.ConnOpt.Header("client-id", c.cfg.ClientID))
	}

	conn, err := stomp.Dial("tcp", addr, opts...)
	if err != nil {
		return false, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c.setState(StateConnected)

	sub, err := conn.Subscribe(c.cfg.Topic, stomp.AckAuto,
		stomp.SubscribeOpt.Header("activemq.subscriptionName", c.cfg.ClientID))
	if err != nil {
		conn.Disconnect()
		return false, fmt.Errorf("subscribing to %s: %w", c.cfg.Topic, err)
	}
	c.setState(StateSubscribed)
	c.log.WithField("topic", c.cfg.Topic).Info("subscribed to push port feed")

	defer c.shutdownConn(conn, sub)

	gotFrame := false
	for {
		select {
		case <-ctx.Done():
			return gotFrame, nil

		case msg, ok := <-sub.C:
			if !ok {
				return gotFrame, fmt.Errorf("subscription channel closed")
			}
			if msg.Err != nil {
				return gotFrame, fmt.Errorf("receiving frame: %w", msg.Err)
			}

			gotFrame = true
			c.setState(StateReceiving)

			frame := Frame{Body: msg.Body, ReceivedAt: time.Now()}
			select {
			case c.frames <- frame:
			case <-ctx.Done():
				return gotFrame, nil
			}
		}
	}
}

// Unsubscribes and disconnects within the grace window, then forces
// the connection closed.
func (c *Client) shutdownConn(conn *stomp.Conn, sub *stomp.Subscription) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if sub.Active() {
			sub.Unsubscribe()
		}
		conn.Disconnect()
	}()

	select {
	case <-done:
	case <-time.After(disconnectGrace):
		conn.MustDisconnect()
		<-done
	}
}

// Retry delay for this attempt and the doubled, capped base for the
// next one. Auth failures wait longer to avoid a broker-side lockout.
func nextBackoff(cur, max time.Duration, authFailure bool) (delay, next time.Duration) {
	delay = cur
	if authFailure {
		delay = cur * authBackoffMultiplier
	}
	next = cur * 2
	if next > max {
		next = max
	}
	return delay, next
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth") ||
		strings.Contains(msg, "credential") ||
		strings.Contains(msg, "login") ||
		strings.Contains(msg, "not authorized")
}

// Spreads retries by up to ±20%.
func withJitter(d time.Duration) time.Duration {
	f := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}
