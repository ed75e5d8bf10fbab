// Package supervisor drives the connection lifecycle: it runs connection
// attempts, watches the established session, and reconnects with capped
// exponential backoff until attempts run out or the context ends.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

var (
	// ErrTransportLost is the cause recorded when an established session
	// ends on its own.
	ErrTransportLost = errors.New("transport lost")
	// ErrRetriesExhausted is returned by Run once every reconnection attempt
	// has failed.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
)

const (
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	backoffMultiplier     = 2
	backoffJitter         = 0.5
)

// Session is an established connection.
type Session interface {
	// Wait blocks until the session is lost or ctx ends and returns the
	// cause.
	Wait(ctx context.Context) error
	Close() error
}

// Connector performs one connection attempt. It calls negotiating once the
// robot's answer has been accepted.
type Connector interface {
	Connect(ctx context.Context, negotiating func()) (Session, error)
}

type ConnectorFunc func(ctx context.Context, negotiating func()) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, negotiating func()) (Session, error) {
	return f(ctx, negotiating)
}

type Options struct {
	// MaxAttempts is the number of reconnection attempts after a failure
	// before giving up. A successful connection resets the count.
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnTransition is called synchronously for every state change.
	OnTransition func(Transition)

	// after waits between attempts; tests replace it.
	after func(time.Duration) <-chan time.Time
}

type Supervisor struct {
	connector Connector
	opts      Options
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	since    time.Time
	attempt  int
	connects int
	lastErr  error
}

func New(c Connector, opts Options) *Supervisor {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffInitial)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.after == nil {
		opts.after = time.After
	}
	return &Supervisor{connector: c, opts: opts, log: opts.Logger, state: StateIdle, since: time.Now()}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Since: s.since, Attempt: s.attempt, Connects: s.connects}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.Multiplier = backoffMultiplier
	b.RandomizationFactor = backoffJitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run drives connection attempts until ctx ends (returning nil) or the
// attempts are exhausted (returning an error wrapping ErrRetriesExhausted
// and the last cause).
func (s *Supervisor) Run(ctx context.Context) error {
	b := s.newBackOff()
	retries := 0

	for {
		s.transition(StateAuthenticating, retries, nil)
		sess, err := s.connector.Connect(ctx, func() {
			s.transition(StateNegotiating, retries, nil)
		})
		if ctx.Err() != nil {
			if sess != nil {
				_ = sess.Close()
			}
			return s.shutdown()
		}

		if err == nil {
			s.transition(StateConnected, retries, nil)
			retries = 0
			b.Reset()

			err = sess.Wait(ctx)
			_ = sess.Close()
			if ctx.Err() != nil {
				return s.shutdown()
			}
			if err == nil {
				err = ErrTransportLost
			} else if !errors.Is(err, ErrTransportLost) {
				err = fmt.Errorf("%w: %w", ErrTransportLost, err)
			}
			s.opts.Metrics.Inc(metrics.Reconnects)
			s.log.Warn("connection lost, reconnecting", "err", err)
		} else {
			s.opts.Metrics.Inc(metrics.AttemptsFailed)
			s.log.Warn("connection attempt failed", "attempt", retries+1, "err", err)
		}

		if retries >= s.opts.MaxAttempts {
			s.transition(StateTerminated, retries, err)
			s.log.Error("giving up", "attempts", retries+1, "err", err)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries+1, err)
		}
		retries++

		wait := b.NextBackOff()
		s.transition(StateReconnecting, retries, err)
		s.log.Info("reconnecting", "attempt", retries, "of", s.opts.MaxAttempts, "backoff", wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-s.opts.after(wait):
		}
	}
}

func (s *Supervisor) shutdown() error {
	s.transition(StateTerminated, s.attemptNow(), nil)
	s.log.Info("session supervisor stopped")
	return nil
}

func (s *Supervisor) attemptNow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) transition(to State, attempt int, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to && attempt == s.attempt {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.state = to
	s.since = now
	s.attempt = attempt
	if to == StateConnected {
		s.connects++
		s.lastErr = nil
	}
	if cause != nil {
		s.lastErr = cause
	}
	s.mu.Unlock()

	s.opts.Metrics.Inc(metrics.StateTransitions)
	s.opts.Metrics.Set(metrics.GaugeState, int64(to))
	s.opts.Metrics.Set(metrics.GaugeAttempts, int64(attempt))

	level := slog.LevelDebug
	if to == StateConnected || to == StateTerminated {
		level = slog.LevelInfo
	}
	attrs := []any{"from", from.String(), "to", to.String(), "attempt", attempt}
	if cause != nil {
		attrs = append(attrs, "err", cause)
	}
	s.log.Log(context.Background(), level, "state transition", attrs...)

	if s.opts.OnTransition != nil {
		s.opts.OnTransition(Transition{From: from, To: to, Attempt: attempt, Err: cause, At: now})
	}
}
