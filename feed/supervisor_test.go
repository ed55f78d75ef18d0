package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"tickflow/config"
)

type fakeClient struct {
	done chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan struct{})}
}

func (f *fakeClient) Connect(context.Context) error  { return nil }
func (f *fakeClient) Subscribe([]uint32) error       { return nil }
func (f *fakeClient) SetMode(string, []uint32) error { return nil }
func (f *fakeClient) Done() <-chan struct{}          { return f.done }
func (f *fakeClient) Close() error                   { return nil }

func (f *fakeClient) drop() { close(f.done) }

func reconnectConfig() config.ReconnectConfig {
	return config.ReconnectConfig{
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     300 * time.Second,
	}
}

func okAuth(context.Context) (Credentials, error) {
	return Credentials{APIKey: "k", AccessToken: "t"}, nil
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	dials := 0
	dial := func(context.Context, Credentials) (Client, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	s := NewSupervisor(reconnectConfig(), dial, okAuth, Hooks{})

	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err := s.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}

	// Initial attempt plus five scheduled reconnects; a sixth never runs.
	if dials != 6 {
		t.Errorf("dial count = %d, want 6", dials)
	}
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
	}
	if len(waits) != len(want) {
		t.Fatalf("wait count = %d, want %d (%v)", len(waits), len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
	if s.State() != StateDisconnected {
		t.Errorf("final state = %v, want disconnected", s.State())
	}
}

func TestRunResetsBackoffAfterConnection(t *testing.T) {
	dials := 0
	dial := func(context.Context, Credentials) (Client, error) {
		dials++
		switch dials {
		case 1, 2:
			return nil, errors.New("connection refused")
		case 3:
			// Connection comes up, then drops immediately.
			c := newFakeClient()
			c.drop()
			return c, nil
		default:
			return nil, errors.New("connection refused")
		}
	}

	s := NewSupervisor(reconnectConfig(), dial, okAuth, Hooks{})

	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	err := s.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}

	// Two failures (5s, 10s), a live connection resetting the budget,
	// then a fresh 5s-doubling sequence.
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
	}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestRunAuthFailureCountsAsAttempt(t *testing.T) {
	authCalls := 0
	auth := func(context.Context) (Credentials, error) {
		authCalls++
		return Credentials{}, errors.New("session expired")
	}
	dial := func(context.Context, Credentials) (Client, error) {
		t.Fatal("dial must not run when auth fails")
		return nil, nil
	}

	s := NewSupervisor(reconnectConfig(), dial, auth, Hooks{})
	s.sleep = func(context.Context, time.Duration) error { return nil }

	if err := s.Run(context.Background()); !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("expected ErrReconnectExhausted, got %v", err)
	}
	if authCalls != 6 {
		t.Errorf("auth calls = %d, want 6", authCalls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	client := newFakeClient()
	dial := func(context.Context, Credentials) (Client, error) {
		return client, nil
	}

	connected := make(chan struct{})
	hooks := Hooks{OnConnected: func(Client) error {
		close(connected)
		return nil
	}}

	s := NewSupervisor(reconnectConfig(), dial, okAuth, hooks)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor never connected")
	}
	if s.State() != StateConnected {
		t.Errorf("state = %v, want connected", s.State())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop on cancel")
	}
}
