package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/connection/connectiontest"
	"github.com/rickgao/chatlink/internal/envelope"
)

func testConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = "ws://chat.test/ws"
	cfg.Username = "ivan"
	return cfg
}

func testPolicy() Policy {
	return Policy{
		Reconnect:        true,
		BaseDelay:        time.Second,
		MaxDelay:         4 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitSignal(t *testing.T, what string, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func blockUntil(t *testing.T, clock *clockwork.FakeClock, waiters int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, waiters); err != nil {
		t.Fatalf("waiting for %d clock waiters: %v", waiters, err)
	}
}

func startRun(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSupervisor_ReconnectsWithFreshManager(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn1, conn2 := connectiontest.NewConn(), connectiontest.NewConn()
	dialer := connectiontest.NewDialer(conn1, conn2)

	opened := make(chan struct{}, 2)
	closed := make(chan struct{}, 2)
	messages := make(chan envelope.Message, 2)
	handlers := connection.Handlers{
		OnOpen:    func() { opened <- struct{}{} },
		OnClose:   func() { closed <- struct{}{} },
		OnMessage: func(msg envelope.Message) { messages <- msg },
	}

	s := New(testConfig(), testPolicy(), handlers, nil, clock, connection.WithDialer(dialer))
	startRun(t, s)

	waitSignal(t, "first open", opened)
	if err := s.SendMessage("one"); err != nil {
		t.Fatalf("SendMessage on first conn failed: %v", err)
	}

	conn1.PeerClose()
	waitSignal(t, "close", closed)

	// Backoff timer is the only waiter once the first manager is gone.
	blockUntil(t, clock, 1)
	if err := s.SendMessage("lost"); !errors.Is(err, connection.ErrNotOpen) {
		t.Errorf("SendMessage between attempts error = %v, want ErrNotOpen", err)
	}
	clock.Advance(time.Second)

	waitSignal(t, "second open", opened)
	if got := dialer.Dials(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	if got := s.Attempts(); got != 2 {
		t.Errorf("Attempts() = %d, want 2", got)
	}

	conn2.Deliver(`{"id": 9, "text": "after reconnect", "author_id": "olga"}`)
	select {
	case msg := <-messages:
		if msg.Text != "after reconnect" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message on second conn")
	}

	if err := s.SendMessage("two"); err != nil {
		t.Fatalf("SendMessage on second conn failed: %v", err)
	}
	waitFor(t, "second conn write", func() bool { return len(conn2.Writes()) == 2 })
}

func TestSupervisor_HandshakeTimeoutRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := connectiontest.NewDialer() // every dial hangs

	s := New(testConfig(), testPolicy(), connection.Handlers{}, nil, clock, connection.WithDialer(dialer))
	startRun(t, s)

	waitFor(t, "first dial", func() bool { return dialer.Dials() == 1 })
	if got := s.State(); got != connection.StateConnecting {
		t.Errorf("State() = %s, want connecting", got)
	}

	blockUntil(t, clock, 1) // handshake timer
	clock.Advance(10 * time.Second)

	blockUntil(t, clock, 1) // backoff timer
	clock.Advance(time.Second)

	waitFor(t, "second dial", func() bool { return dialer.Dials() == 2 })
}

func TestSupervisor_BackoffDoublesAndCaps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dialer := connectiontest.NewDialer()

	s := New(testConfig(), testPolicy(), connection.Handlers{}, nil, clock, connection.WithDialer(dialer))
	startRun(t, s)

	waits := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, wait := range waits {
		waitFor(t, "dial", func() bool { return dialer.Dials() == i+1 })

		blockUntil(t, clock, 1)
		clock.Advance(10 * time.Second) // handshake timeout

		blockUntil(t, clock, 1)
		clock.Advance(wait - time.Millisecond)
		if got := dialer.Dials(); got != i+1 {
			t.Fatalf("attempt %d: redialed before %v elapsed", i+1, wait)
		}
		clock.Advance(time.Millisecond)
	}

	waitFor(t, "final dial", func() bool { return dialer.Dials() == len(waits)+1 })
}

func TestSupervisor_NoReconnect(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := connectiontest.NewConn()
	dialer := connectiontest.NewDialer(conn)

	opened := make(chan struct{}, 1)
	policy := testPolicy()
	policy.Reconnect = false

	s := New(testConfig(), policy, connection.Handlers{
		OnOpen: func() { opened <- struct{}{} },
	}, nil, clock, connection.WithDialer(dialer))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitSignal(t, "open", opened)
	conn.PeerClose()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
	if err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if got := dialer.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if got := s.State(); got != connection.StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
	if err := s.SendMessage("hi"); !errors.Is(err, connection.ErrClosed) {
		t.Errorf("SendMessage() error = %v, want ErrClosed", err)
	}
}

func TestSupervisor_NoReconnectHandshakeTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	policy := testPolicy()
	policy.Reconnect = false

	s := New(testConfig(), policy, connection.Handlers{}, nil, clock,
		connection.WithDialer(connectiontest.NewDialer()))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	blockUntil(t, clock, 1)
	clock.Advance(10 * time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, ErrHandshakeTimeout) {
			t.Errorf("Run() = %v, want ErrHandshakeTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSupervisor_CancelStops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := connectiontest.NewConn()
	opened := make(chan struct{}, 1)

	s := New(testConfig(), testPolicy(), connection.Handlers{
		OnOpen: func() { opened <- struct{}{} },
	}, nil, clock, connection.WithDialer(connectiontest.NewDialer(conn)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitSignal(t, "open", opened)
	if !s.IsAlive() {
		t.Error("expected IsAlive right after open")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if !conn.Closed() {
		t.Error("expected conn closed on cancel")
	}
	if got := s.Stats().State; got != connection.StateClosed {
		t.Errorf("Stats().State = %s, want closed", got)
	}
}

func TestWaitOpen(t *testing.T) {
	ready := func() <-chan struct{} {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		return ch
	}
	fired := func() <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		opened  func() <-chan struct{}
		timeout func() <-chan time.Time
		wantErr error
	}{
		{
			name:    "opened",
			ctx:     context.Background(),
			opened:  ready,
			timeout: func() <-chan time.Time { return nil },
		},
		{
			name:    "timed out",
			ctx:     context.Background(),
			opened:  func() <-chan struct{} { return nil },
			timeout: fired,
			wantErr: ErrHandshakeTimeout,
		},
		{
			name:    "open and timeout ready together",
			ctx:     context.Background(),
			opened:  ready,
			timeout: fired,
		},
		{
			name:    "cancelled",
			ctx:     cancelled,
			opened:  func() <-chan struct{} { return nil },
			timeout: func() <-chan time.Time { return nil },
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// select picks randomly among ready cases, so repeat.
			for i := 0; i < 100; i++ {
				err := waitOpen(tt.ctx, tt.opened(), tt.timeout())
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("run %d: waitOpen() = %v, want %v", i, err, tt.wantErr)
				}
			}
		})
	}
}

func TestSupervisor_BackoffResetsAfterOpen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := connectiontest.NewConn()
	dialer := connectiontest.NewDialer(conn)
	dialer.FailNext(errors.New("refused"))
	dialer.FailNext(errors.New("refused"))

	opened := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	s := New(testConfig(), testPolicy(), connection.Handlers{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func() { closed <- struct{}{} },
	}, nil, clock, connection.WithDialer(dialer))
	startRun(t, s)

	// expectWait advances through one backoff and checks it lasted exactly wait.
	expectWait := func(wait time.Duration, dials int) {
		t.Helper()
		blockUntil(t, clock, 1)
		clock.Advance(wait - time.Millisecond)
		if got := dialer.Dials(); got != dials-1 {
			t.Fatalf("redialed before %v elapsed (dials = %d)", wait, got)
		}
		clock.Advance(time.Millisecond)
		waitFor(t, "redial", func() bool { return dialer.Dials() == dials })
	}

	// Two refused dials grow the backoff to 2s.
	for i, wait := range []time.Duration{time.Second, 2 * time.Second} {
		waitFor(t, "dial", func() bool { return dialer.Dials() == i+1 })
		blockUntil(t, clock, 1)
		clock.Advance(10 * time.Second) // handshake timeout
		expectWait(wait, i+2)
	}

	waitSignal(t, "open", opened)
	conn.PeerClose()
	waitSignal(t, "close", closed)

	// The healthy session resets the sequence to base, then it doubles again.
	expectWait(time.Second, 4)
	blockUntil(t, clock, 1)
	clock.Advance(10 * time.Second)
	expectWait(2*time.Second, 5)
}
