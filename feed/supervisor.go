package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/logger"
)

// State is the supervisor's view of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrReconnectExhausted is returned by Run when the reconnect budget
// is spent without re-establishing the connection.
var ErrReconnectExhausted = errors.New("feed reconnect attempts exhausted")

// AuthFunc returns fresh credentials for a connection attempt.
type AuthFunc func(ctx context.Context) (Credentials, error)

// Hooks are invoked by the supervisor at lifecycle points. OnConnected
// runs after every successful connection, including reconnects, and is
// where subscriptions are re-established.
type Hooks struct {
	OnConnected func(Client) error
}

// Supervisor drives the connect/reconnect lifecycle of the feed. The
// first connection is attempted immediately; each subsequent attempt
// is preceded by an exponentially growing wait starting at the initial
// backoff and doubling up to the cap. A connection that comes up
// resets both the attempt counter and the backoff.
type Supervisor struct {
	cfg   config.ReconnectConfig
	dial  DialFunc
	auth  AuthFunc
	hooks Hooks

	mu      sync.RWMutex
	state   State
	current Client

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	log *logger.Log
}

// NewSupervisor builds a supervisor around the dial and auth
// collaborators.
func NewSupervisor(cfg config.ReconnectConfig, dial DialFunc, auth AuthFunc, hooks Hooks) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		dial:  dial,
		auth:  auth,
		hooks: hooks,
		sleep: sleepContext,
		log:   logger.GetLogger(),
	}
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run blocks until the context is cancelled or the reconnect budget is
// exhausted. A nil return means a clean shutdown; ErrReconnectExhausted
// means the feed is gone for good and the process should exit non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.log.WithComponent("feed_supervisor")

	attempts := 0
	backoff := s.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return nil
		}

		s.setState(StateConnecting)
		client, err := s.connect(ctx)
		if err == nil {
			s.setState(StateConnected)
			s.mu.Lock()
			s.current = client
			s.mu.Unlock()
			if attempts > 0 {
				logger.IncrementFeedReconnect()
			}
			attempts = 0
			backoff = s.cfg.InitialBackoff

			if s.hooks.OnConnected != nil {
				if hookErr := s.hooks.OnConnected(client); hookErr != nil {
					log.WithError(hookErr).Error("post-connect setup failed, recycling connection")
					_ = client.Close()
				}
			}

			select {
			case <-ctx.Done():
				_ = client.Close()
				s.setState(StateDisconnected)
				return nil
			case <-client.Done():
				log.Warn("feed connection lost")
			}
		} else {
			if ctx.Err() != nil {
				s.setState(StateDisconnected)
				return nil
			}
			log.WithError(err).WithFields(logger.Fields{"attempt": attempts}).Error("feed connection failed")
		}

		s.setState(StateDisconnected)

		attempts++
		if attempts > s.cfg.MaxAttempts {
			log.WithFields(logger.Fields{"max_attempts": s.cfg.MaxAttempts}).Error("reconnect attempts exhausted, giving up")
			return fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, s.cfg.MaxAttempts)
		}

		log.WithFields(logger.Fields{
			"attempt": attempts,
			"backoff": backoff.String(),
		}).Warn("scheduling feed reconnect")

		if err := s.sleep(ctx, backoff); err != nil {
			s.setState(StateDisconnected)
			return nil
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// connect refreshes credentials and dials. Auth failures count against
// the reconnect budget like any other connection failure.
func (s *Supervisor) connect(ctx context.Context) (Client, error) {
	creds, err := s.auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}
	client, err := s.dial(ctx, creds)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
