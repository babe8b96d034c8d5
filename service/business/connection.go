package business

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-gateway/internal/resilience"
	"github.com/antinvestor/service-gateway/service/tokens"
)

const (
	// dispatchChannelSize bounds the per-connection outbound buffer. A
	// consumer that falls further behind than this starts losing frames
	// rather than blocking fan-out.
	dispatchChannelSize = 256

	// dispatchTimeout is how long Dispatch waits for buffer space before
	// counting the frame as dropped.
	dispatchTimeout = 10 * time.Millisecond

	// frameFailureBudget is the number of consecutive processing failures
	// tolerated on one connection before it is closed.
	frameFailureBudget = 10
)

// Connection auth lifecycle. Promotion and deadline expiry both
// compare-and-swap out of stateAwaitingAuth, so exactly one of them can
// ever resolve a given connection.
const (
	stateAwaitingAuth int32 = iota
	stateAuthenticated
	stateAuthExpired
	stateClosed
)

// connection is the unit of state the gateway owns for one accepted
// transport session. The metadata captured at accept time is immutable;
// everything else is safe for concurrent access.
type connection struct {
	id          string
	stream      ClientStream
	remoteAddr  string
	userAgent   string
	connectedAt time.Time

	state atomic.Int32

	mu            sync.RWMutex
	identity      *tokens.Identity
	subscriptions map[string]struct{}
	authTimer     *time.Timer

	lastActivity atomic.Int64 // unix milliseconds
	pendingPing  atomic.Bool

	dispatchCh chan []byte
	done       chan struct{}
	closeOnce  sync.Once

	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	limiter *tokenBucket
	faults  *resilience.CircuitBreaker

	dispatched  atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
}

// newConnection creates a provisional, unauthenticated connection entry.
func newConnection(stream ClientStream, info ConnectInfo, framesPerSecond int) *connection {
	now := time.Now()

	c := &connection{
		id:            util.IDString(),
		stream:        stream,
		remoteAddr:    info.RemoteAddr,
		userAgent:     info.UserAgent,
		connectedAt:   now,
		subscriptions: make(map[string]struct{}),
		dispatchCh:    make(chan []byte, dispatchChannelSize),
		done:          make(chan struct{}),
		limiter:       newTokenBucket(framesPerSecond, framesPerSecond),
	}
	c.faults = resilience.NewCircuitBreaker(resilience.Settings{
		Name:        "frames:" + c.id,
		MaxFailures: frameFailureBudget,
		// Stays open for the remainder of the connection's life.
		ResetTimeout: 24 * time.Hour,
	})
	c.lastActivity.Store(now.UnixMilli())
	return c
}

// ID returns the process-local connection identifier. Never reused.
func (c *connection) ID() string { return c.id }

func (c *connection) RemoteAddr() string     { return c.remoteAddr }
func (c *connection) UserAgent() string      { return c.userAgent }
func (c *connection) ConnectedAt() time.Time { return c.connectedAt }

// Authenticated reports whether the identity verifier has promoted this
// connection.
func (c *connection) Authenticated() bool {
	return c.state.Load() == stateAuthenticated
}

// Identity returns the verified identity, nil while unauthenticated.
func (c *connection) Identity() *tokens.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// promote transitions the connection to authenticated and stores its
// identity. Returns false if the connection already resolved its auth
// state, in which case nothing is mutated.
func (c *connection) promote(identity *tokens.Identity) bool {
	if !c.state.CompareAndSwap(stateAwaitingAuth, stateAuthenticated) {
		return false
	}

	c.mu.Lock()
	c.identity = identity
	timer := c.authTimer
	c.authTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	return true
}

// expireAuth resolves the auth state to expired. Returns false when
// promotion or teardown won the race; the deadline then does nothing.
func (c *connection) expireAuth() bool {
	return c.state.CompareAndSwap(stateAwaitingAuth, stateAuthExpired)
}

// setAuthTimer attaches the authentication-deadline timer. Dropped
// immediately if the connection already resolved.
func (c *connection) setAuthTimer(timer *time.Timer) {
	c.mu.Lock()
	if c.state.Load() == stateAwaitingAuth {
		c.authTimer = timer
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	timer.Stop()
}

// markClosed finalises the auth state at teardown and stops any timer
// still pending. Safe to call from any of close/error/timeout paths; the
// caller's closeOnce guarantees single execution of the teardown itself.
func (c *connection) markClosed() {
	c.state.Store(stateClosed)

	c.mu.Lock()
	timer := c.authTimer
	c.authTimer = nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
}

func (c *connection) closed() bool {
	return c.state.Load() == stateClosed
}

// setCloseStatus records the close frame the writer emits after draining.
// A zero code means close the transport without a close frame.
func (c *connection) setCloseStatus(code int, reason string) {
	c.closeMu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.closeMu.Unlock()
}

func (c *connection) closeStatus() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// Subscribe adds a channel to the connection's subscription set.
func (c *connection) Subscribe(channel string) {
	c.mu.Lock()
	c.subscriptions[channel] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe removes a channel from the subscription set.
func (c *connection) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subscriptions, channel)
	c.mu.Unlock()
}

// SubscribedTo reports channel membership.
func (c *connection) SubscribedTo(channel string) bool {
	c.mu.RLock()
	_, ok := c.subscriptions[channel]
	c.mu.RUnlock()
	return ok
}

// Subscriptions snapshots the subscription set.
func (c *connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	channels := make([]string, 0, len(c.subscriptions))
	for channel := range c.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

// Touch records inbound activity and clears any outstanding liveness probe.
func (c *connection) Touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
	c.pendingPing.Store(false)
}

// LastActivity returns the time of the most recent inbound frame or probe
// acknowledgment.
func (c *connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// markProbeSent flags that a liveness probe is awaiting acknowledgment.
// Returns true when a previous probe was still unacknowledged.
func (c *connection) markProbeSent() bool {
	return c.pendingPing.Swap(true)
}

func (c *connection) probePending() bool {
	return c.pendingPing.Load()
}

// AllowInbound applies the connection's inbound rate limit.
func (c *connection) AllowInbound() bool {
	if c.limiter.Allow() {
		return true
	}
	c.rateLimited.Add(1)
	return false
}

// Dispatch enqueues a pre-encoded frame for the connection's writer.
// Waits briefly for buffer space; a full buffer counts the frame as
// dropped and returns false. Returns false immediately once closed.
func (c *connection) Dispatch(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.dispatchCh <- data:
		c.dispatched.Add(1)
		return true
	case <-c.done:
		return false
	case <-time.After(dispatchTimeout):
		c.dropped.Add(1)
		return false
	}
}

// ConsumeDispatch blocks until a frame is available, the connection is
// torn down, or ctx is cancelled. Returns nil on teardown/cancellation.
func (c *connection) ConsumeDispatch(ctx context.Context) []byte {
	select {
	case data := <-c.dispatchCh:
		return data
	case <-c.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// RateLimitedCount returns frames rejected by the inbound rate limiter.
func (c *connection) RateLimitedCount() uint64 { return c.rateLimited.Load() }

// DispatchedMessages returns frames accepted into the outbound buffer.
func (c *connection) DispatchedMessages() uint64 { return c.dispatched.Load() }

// DroppedMessages returns frames lost to a full outbound buffer.
func (c *connection) DroppedMessages() uint64 { return c.dropped.Load() }

// ChannelUtilization reports outbound buffer fill in [0, 1].
func (c *connection) ChannelUtilization() float64 {
	return float64(len(c.dispatchCh)) / float64(cap(c.dispatchCh))
}

// tokenBucket is a minimal continuous-refill rate limiter. One instance
// guards each connection's inbound frame stream.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(ratePerSecond, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(ratePerSecond),
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
