// Package feed connects to the broker's streaming quote endpoint and
// turns wire frames into tick batches. The Ticker owns one websocket
// connection; the Supervisor owns the Ticker lifecycle and the
// reconnect budget.
package feed

import (
	"context"

	"tickflow/models"
)

// Subscription modes supported by the quote stream.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

// Credentials carries the tokens required to open a feed connection.
// Both are refreshed through the auth collaborator before every
// connection attempt.
type Credentials struct {
	APIKey      string
	AccessToken string
}

// Callbacks are invoked from the connection's read goroutine. OnTicks
// must not block: snapshot upserts are O(1) map writes, anything
// heavier belongs on the publish side.
type Callbacks struct {
	OnTicks   func(models.TickBatch)
	OnConnect func()
	OnClose   func(err error)
	OnError   func(err error)
}

// Client is one live connection to the quote stream.
type Client interface {
	// Connect dials the endpoint and starts the read and keepalive
	// loops. It returns once the connection is established.
	Connect(ctx context.Context) error

	// Subscribe registers interest in the given instrument tokens.
	Subscribe(tokens []uint32) error

	// SetMode switches the detail level delivered for the tokens.
	SetMode(mode string, tokens []uint32) error

	// Done is closed when the connection has terminated for any
	// reason. After Done the client cannot be reused.
	Done() <-chan struct{}

	// Close tears the connection down.
	Close() error
}

// DialFunc builds a connected Client. The supervisor uses it so tests
// can substitute a fake transport.
type DialFunc func(ctx context.Context, creds Credentials) (Client, error)
