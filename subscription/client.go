package subscription

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// ErrNotReady is returned by Connect while the identity is incomplete.
var ErrNotReady = errors.New("identity not ready")

// Target identifies the board stream to subscribe to.
type Target struct {
	BoardID string
	ScopeID string
	Token   string
}

// Transport delivers push events for one board. Errors passed to onError
// carry a *domain.SubscriptionError with a reason code.
type Transport interface {
	Subscribe(ctx context.Context, target Target, onEvent func(domain.ChangeEvent), onError func(error)) (unsubscribe func(), err error)
}

// Client keeps at most one board subscription alive and routes its events
// to a handler.
type Client struct {
	transport Transport
	handler   func(domain.ChangeEvent)
	logger    *log.Entry

	// connMu serializes Connect and Close; mu guards the fields below and
	// is never held while calling into the transport.
	connMu sync.Mutex

	mu          sync.Mutex
	key         string
	gen         uint64
	unsubscribe func()
	lastErr     error
}

// New creates a client. handler is called for every decoded event.
func New(transport Transport, handler func(domain.ChangeEvent), logger *log.Entry) *Client {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Client{transport: transport, handler: handler, logger: logger}
}

// Connect subscribes to boardID as identity. A different identity or board
// replaces the previous subscription; an incomplete identity drops it and
// returns ErrNotReady.
func (c *Client) Connect(ctx context.Context, identity domain.Identity, boardID string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !identity.Complete() || boardID == "" {
		c.detach()()
		return ErrNotReady
	}
	key := identity.UserID + "/" + identity.ScopeID + "/" + boardID
	c.mu.Lock()
	same := c.unsubscribe != nil && c.key == key
	c.mu.Unlock()
	if same {
		return nil
	}
	c.detach()()

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	target := Target{BoardID: boardID, ScopeID: identity.ScopeID, Token: identity.Token}
	unsubscribe, err := c.transport.Subscribe(ctx, target,
		func(ev domain.ChangeEvent) { c.deliver(gen, ev) },
		func(err error) { c.report(gen, err) },
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastErr = domain.ClassifySubscriptionError(err)
		return c.lastErr
	}
	c.key = key
	c.unsubscribe = unsubscribe
	c.lastErr = nil
	c.logger.WithFields(log.Fields{"board": boardID, "scope": identity.ScopeID}).Debug("subscribed to board events")
	return nil
}

// detach forgets the current subscription and returns its unsubscribe
// func, to be called without holding mu.
func (c *Client) detach() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.key = ""
	if unsubscribe == nil {
		return func() {}
	}
	return unsubscribe
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) deliver(gen uint64, ev domain.ChangeEvent) {
	// events from a replaced subscription may still be in flight
	if !c.current(gen) {
		return
	}
	c.handler(ev)
}

func (c *Client) report(gen uint64, err error) {
	classified := domain.ClassifySubscriptionError(err)
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.lastErr = classified
	c.mu.Unlock()

	var it *domain.IdentityTransitionError
	if errors.As(classified, &it) {
		c.logger.WithField("reason", it.Reason).Debug("subscription interrupted by identity transition")
		return
	}
	c.logger.WithError(classified).Warn("board event subscription error")
}

// Close drops the current subscription.
func (c *Client) Close() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.detach()()
}

// Connected reports whether a subscription is active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribe != nil
}

// LastError returns the most recent classified subscription error.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
