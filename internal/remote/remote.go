// Package remote implements the call channel to darktable's scripting
// interface. A [Channel] reaches one fixed endpoint, sends one string
// argument per call, and returns one string result.
//
// Two transports are provided: [DBus] talks to darktable's
// org.darktable.service.Remote interface directly, and [WebSocket] talks
// to a relay that forwards calls to a darktable instance elsewhere.
// [Guard] wraps either one so that at most one operation is outstanding
// and every call is bounded by a timeout.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrChannelUnavailable is wrapped by Connect errors when the transport
// or the named endpoint cannot be reached. No tool is usable without the
// endpoint, so callers treat it as fatal at startup.
var ErrChannelUnavailable = errors.New("remote endpoint unavailable")

// ErrRemoteCallFailed is wrapped by every [CallError]. It is scoped to
// one invocation and never fatal to the session.
var ErrRemoteCallFailed = errors.New("remote call failed")

// errNotConnected is the cause of a CallError for Invoke before Connect.
var errNotConnected = errors.New("channel not connected")

// Channel is a synchronous call channel to a single remote endpoint.
// Implementations hold no per-call state; the endpoint is not assumed to
// accept overlapping calls, so callers issue one call at a time.
type Channel interface {
	// Connect establishes the handle to the endpoint. Errors wrap
	// ErrChannelUnavailable.
	Connect(ctx context.Context) error

	// Invoke performs one blocking round trip: method is called with
	// exactly one string argument and returns exactly one string.
	// Errors are *CallError values. No retries are attempted.
	Invoke(ctx context.Context, method, argument string) (string, error)

	// Ping checks that the endpoint is still reachable.
	Ping(ctx context.Context) error

	// Close releases the handle.
	Close() error
}

// CallError describes a failed invocation. It matches both
// ErrRemoteCallFailed and the underlying transport error with errors.Is.
type CallError struct {
	Method string
	Err    error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	return fmt.Sprintf("remote call %s failed: %v", e.Method, e.Err)
}

// Unwrap exposes ErrRemoteCallFailed and the transport cause.
func (e *CallError) Unwrap() []error {
	return []error{ErrRemoteCallFailed, e.Err}
}

// Endpoint identifies a remote object: a bus service name, an object
// path, an interface name, and the method that runs a script.
type Endpoint struct {
	Service   string
	Path      string
	Interface string
	Method    string
}

// guarded serializes access to a Channel.
type guarded struct {
	mu      sync.Mutex
	ch      Channel
	timeout time.Duration
}

// Guard wraps ch so that Connect, Invoke, Ping and Close never overlap,
// and every Invoke runs under a context bounded by timeout. A timeout of
// zero or less leaves calls unbounded.
//
// The request worker and the background health watcher share one
// channel; the mutex keeps a health probe from interleaving with a
// script call on the wire.
func Guard(ch Channel, timeout time.Duration) Channel {
	return &guarded{ch: ch, timeout: timeout}
}

func (g *guarded) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch.Connect(ctx)
}

func (g *guarded) Invoke(ctx context.Context, method, argument string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.ch.Invoke(ctx, method, argument)
}

func (g *guarded) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch.Ping(ctx)
}

func (g *guarded) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch.Close()
}
