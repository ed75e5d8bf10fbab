package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/roboverse/go2webrtc-rc/internal/metrics"
)

var errAuth = errors.New("authentication rejected")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu     sync.Mutex
	trans  []Transition
	delays []time.Duration
}

func (r *recorder) onTransition(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trans = append(r.trans, t)
}

func (r *recorder) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.trans))
	for _, t := range r.trans {
		out = append(out, t.To)
	}
	return out
}

func newTestSupervisor(c Connector, r *recorder, m *metrics.Metrics) *Supervisor {
	return New(c, Options{
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		Logger:         quietLogger(),
		Metrics:        m,
		OnTransition:   r.onTransition,
		after:          r.after,
	})
}

type fakeSession struct {
	lost   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{lost: make(chan error, 1), closed: make(chan struct{})}
}

func (s *fakeSession) Wait(ctx context.Context) error {
	select {
	case err := <-s.lost:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestRun_WrongTokenRetriesThenTerminates(t *testing.T) {
	r := &recorder{}
	m := metrics.New()
	calls := 0
	sup := newTestSupervisor(ConnectorFunc(func(ctx context.Context, negotiating func()) (Session, error) {
		calls++
		return nil, errAuth
	}), r, m)

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrRetriesExhausted) || !errors.Is(err, errAuth) {
		t.Fatalf("err=%v, want ErrRetriesExhausted wrapping the cause", err)
	}
	if calls != 4 {
		t.Fatalf("connect calls=%d, want 1 initial + 3 retries", calls)
	}
	if len(r.delays) != 3 {
		t.Fatalf("backoff waits=%d, want 3", len(r.delays))
	}
	// Base 1s, 2s, 4s with +-50% jitter.
	bounds := [][2]time.Duration{{500 * time.Millisecond, 1500 * time.Millisecond}, {time.Second, 3 * time.Second}, {2 * time.Second, 6 * time.Second}}
	for i, d := range r.delays {
		if d < bounds[i][0] || d > bounds[i][1] {
			t.Fatalf("delay[%d]=%s outside %v", i, d, bounds[i])
		}
	}
	if sup.State() != StateTerminated {
		t.Fatalf("state=%s, want terminated", sup.State())
	}
	want := []State{
		StateAuthenticating, StateReconnecting,
		StateAuthenticating, StateReconnecting,
		StateAuthenticating, StateReconnecting,
		StateAuthenticating, StateTerminated,
	}
	got := r.states()
	if len(got) != len(want) {
		t.Fatalf("states=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states=%v, want %v", got, want)
		}
	}
	if m.Get(metrics.AttemptsFailed) != 4 {
		t.Fatalf("attempts failed=%d, want 4", m.Get(metrics.AttemptsFailed))
	}
	if st := sup.Status(); st.LastError == "" {
		t.Fatalf("status must carry the last error")
	}
}

func TestRun_ReconnectAfterLossResetsAttempts(t *testing.T) {
	r := &recorder{}
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := make(chan *fakeSession, 8)
	calls := 0
	sup := newTestSupervisor(ConnectorFunc(func(ctx context.Context, negotiating func()) (Session, error) {
		calls++
		// Fail twice before each success to prove the counter resets.
		if calls%3 != 0 {
			return nil, errAuth
		}
		negotiating()
		s := newFakeSession()
		sessions <- s
		return s, nil
	}), r, m)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	first := <-sessions
	first.lost <- nil
	<-first.closed

	second := <-sessions
	waitState(t, sup, StateConnected)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	<-second.closed

	if calls != 6 {
		t.Fatalf("connect calls=%d, want 6", calls)
	}
	if m.Get(metrics.Reconnects) != 1 {
		t.Fatalf("reconnects=%d, want 1", m.Get(metrics.Reconnects))
	}
	if st := sup.Status(); st.Connects != 2 || st.State != StateTerminated {
		t.Fatalf("status=%+v", st)
	}

	// Backoff restarts from the initial interval after a successful
	// connection: waits 3 and 4 (after the loss) are ~1s and ~2s again.
	r.mu.Lock()
	delays := append([]time.Duration(nil), r.delays...)
	r.mu.Unlock()
	if len(delays) != 5 {
		t.Fatalf("delays=%v, want 5 waits", delays)
	}
	if delays[2] > 1500*time.Millisecond {
		t.Fatalf("backoff not reset after connect: %v", delays)
	}

	var sawNegotiating bool
	for _, s := range r.states() {
		if s == StateNegotiating {
			sawNegotiating = true
		}
	}
	if !sawNegotiating {
		t.Fatalf("negotiating state never reported")
	}
}

func TestRun_CancelDuringBackoffReturnsNil(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempted := make(chan struct{}, 1)
	sup := New(ConnectorFunc(func(context.Context, func()) (Session, error) {
		select {
		case attempted <- struct{}{}:
		default:
		}
		return nil, errAuth
	}), Options{MaxAttempts: 3, BackoffInitial: time.Hour, BackoffMax: time.Hour, Logger: quietLogger()})

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	<-attempted
	waitState(t, sup, StateReconnecting)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err=%v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if sup.State() != StateTerminated {
		t.Fatalf("state=%s", sup.State())
	}
}

func TestRun_CancelDuringConnectClosesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := newFakeSession()
	sup := New(ConnectorFunc(func(context.Context, func()) (Session, error) {
		cancel()
		return s, nil
	}), Options{Logger: quietLogger()})

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("err=%v, want nil", err)
	}
	select {
	case <-s.closed:
	default:
		t.Fatalf("session not closed")
	}
}

func TestRun_ZeroAttemptsFailsFast(t *testing.T) {
	sup := New(ConnectorFunc(func(context.Context, func()) (Session, error) {
		return nil, errAuth
	}), Options{MaxAttempts: 0, Logger: quietLogger()})
	if err := sup.Run(context.Background()); !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err=%v", err)
	}
}

func TestStateStrings(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateAuthenticating: "authenticating", StateNegotiating: "negotiating",
		StateConnected: "connected", StateReconnecting: "reconnecting", StateTerminated: "terminated",
	} {
		if s.String() != want {
			t.Fatalf("%d.String()=%q, want %q", int(s), s.String(), want)
		}
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, want %s", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
