// Package transport keeps one logical real-time connection to the message
// broker alive for the duration of a session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/joescharf/rota/internal/logging"
)

var (
	// ErrNotConnected is returned by Publish when no connection is live.
	ErrNotConnected = errors.New("realtime transport not connected")
	// ErrNoCredential is returned by Connect without a bearer credential.
	ErrNoCredential = errors.New("realtime transport needs a credential")
	// ErrConnectionClosed reports a connection that ended without a cause.
	ErrConnectionClosed = errors.New("realtime connection closed")
	// ErrGaveUp wraps the last error once the reconnect policy is exhausted.
	ErrGaveUp = errors.New("realtime transport gave up reconnecting")
)

// State is the observable connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Transition records one state change.
type Transition struct {
	From State
	To   State
	Err  error
	At   time.Time
}

// Message is one frame received on a subscribed destination.
type Message struct {
	Destination string
	Body        []byte
}

// Dialer opens authenticated broker connections.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// Conn is a single live broker connection.
type Conn interface {
	Subscribe(destination string) (<-chan Message, error)
	Send(destination string, body []byte) error
	// Closed is closed when the connection is lost; Err then reports why.
	Closed() <-chan struct{}
	Err() error
	Close() error
}

// Option configures a Transport.
type Option func(*Transport)

// WithBackoff sets the reconnect policy.
func WithBackoff(b Backoff) Option {
	return func(t *Transport) { t.policy = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = logging.OrNop(l) }
}

// DefaultBuffer is the per-topic channel capacity.
const DefaultBuffer = 64

// WithBuffer sets the per-topic channel capacity. Non-positive values keep
// the default.
func WithBuffer(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// Transport owns the connection lifecycle: dial, subscribe, forward, and
// reconnect under the backoff policy until disconnected or out of attempts.
type Transport struct {
	dialer Dialer
	policy Backoff
	logger *zap.Logger
	buffer int

	// lc serializes Connect and Disconnect.
	lc sync.Mutex

	mu     sync.Mutex
	state  State
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	topics map[string]chan Message
	order  []string

	transitions chan Transition
}

// New creates a disconnected Transport.
func New(d Dialer, opts ...Option) *Transport {
	t := &Transport{
		dialer:      d,
		policy:      DefaultBackoff,
		logger:      zap.NewNop(),
		buffer:      DefaultBuffer,
		state:       StateDisconnected,
		topics:      make(map[string]chan Message),
		transitions: make(chan Transition, 256),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Subscribe returns the channel for topic. The channel is stable across
// reconnects. Topics registered while connected are subscribed on the next
// (re)connection.
func (t *Transport) Subscribe(topic string) <-chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topicLocked(topic)
}

func (t *Transport) topicLocked(topic string) chan Message {
	ch, ok := t.topics[topic]
	if !ok {
		ch = make(chan Message, t.buffer)
		t.topics[topic] = ch
		t.order = append(t.order, topic)
	}
	return ch
}

// Connect starts the connection loop. Calling it while a loop is active is a
// no-op.
func (t *Transport) Connect(credential string) error {
	if credential == "" {
		return ErrNoCredential
	}

	t.lc.Lock()
	defer t.lc.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.err = nil

	go t.run(ctx, credential, done)
	return nil
}

// Disconnect cancels any pending retry, closes the live connection, and waits
// for the connection loop to exit. Safe to call repeatedly.
func (t *Transport) Disconnect() {
	t.lc.Lock()
	defer t.lc.Unlock()

	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	t.mu.Lock()
	if t.done == done {
		t.cancel = nil
	}
	t.mu.Unlock()
	t.setState(StateDisconnected, nil)
}

// Publish sends payload as JSON. While disconnected the message is dropped
// with a warning; nothing is queued.
func (t *Transport) Publish(destination string, payload any) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()

	if conn == nil || state != StateConnected {
		t.logger.Warn("publish while not connected, message dropped",
			zap.String("destination", destination), zap.String("state", string(state)))
		return ErrNotConnected
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := conn.Send(destination, body); err != nil {
		t.logger.Warn("publish failed", zap.String("destination", destination), zap.Error(err))
		return fmt.Errorf("publish %s: %w", destination, err)
	}
	return nil
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transitions streams state changes. Slow readers miss transitions rather
// than stalling the connection loop.
func (t *Transport) Transitions() <-chan Transition {
	return t.transitions
}

// Done is closed when the current connection loop ends, either through
// Disconnect or because the reconnect policy gave up.
func (t *Transport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return t.done
}

// Err returns the terminal error of the last connection loop, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) setState(to State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.state
	if from == to {
		return
	}
	t.state = to

	tr := Transition{From: from, To: to, Err: err, At: time.Now()}
	select {
	case t.transitions <- tr:
	default:
		t.logger.Debug("transition dropped, no reader", zap.String("to", string(to)))
	}
}

func (t *Transport) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)

	bo := t.policy.newBackOff()
	for {
		t.setState(StateConnecting, nil)
		err := t.session(ctx, credential, bo)
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			t.giveUp(err, done)
			return
		}

		t.logger.Warn("realtime connection unavailable, retrying",
			zap.Error(err), zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *Transport) giveUp(err error, done chan struct{}) {
	final := fmt.Errorf("%w: %v", ErrGaveUp, err)
	t.logger.Error("realtime transport gave up", zap.Error(err))

	t.mu.Lock()
	t.err = final
	if t.done == done && t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()

	t.setState(StateFailed, final)
}

// session runs one connection from dial to loss.
func (t *Transport) session(ctx context.Context, credential string, bo backoff.BackOff) error {
	conn, err := t.dialer.Dial(ctx, credential)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.setState(StateError, err)
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	topics := append([]string(nil), t.order...)
	t.mu.Unlock()

	subs := make(map[string]<-chan Message, len(topics))
	for _, topic := range topics {
		ch, err := conn.Subscribe(topic)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.setState(StateError, err)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		subs[topic] = ch
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	bo.Reset()
	t.setState(StateConnected, nil)
	t.logger.Info("realtime connected", zap.Int("topics", len(subs)))

	err = t.pump(ctx, conn, subs)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	t.setState(StateClosed, err)
	return err
}

// pump forwards subscription traffic into the per-topic channels until the
// connection is lost or ctx ends.
func (t *Transport) pump(ctx context.Context, conn Conn, subs map[string]<-chan Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan error, len(subs))
	var wg sync.WaitGroup
	for topic, in := range subs {
		t.mu.Lock()
		out := t.topicLocked(topic)
		t.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-in:
					if !ok {
						lost <- fmt.Errorf("subscription %s ended: %w", topic, ErrConnectionClosed)
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-conn.Closed():
		err = conn.Err()
	case err = <-lost:
	}
	cancel()
	wg.Wait()

	if err == nil {
		err = ErrConnectionClosed
	}
	return err
}
