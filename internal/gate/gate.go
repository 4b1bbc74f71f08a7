// Package gate suspends a turn until the human answers a confirmation or
// choice request.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/ragops-web/internal/protocol"
)

var (
	// ErrCancelled is returned when a request is abandoned before an answer
	// arrives. Timeouts and gate shutdown wrap it.
	ErrCancelled = errors.New("interactive request cancelled")
	// ErrTimeout is returned when no answer arrived within the gate timeout.
	ErrTimeout = errors.New("interactive request timed out")
	// ErrClosed is returned once the owning session has been deleted.
	ErrClosed = errors.New("interactive gate closed")
)

// Kind is the kind of an interactive request.
type Kind string

const (
	KindConfirm Kind = "confirm"
	KindChoice  Kind = "choice"
)

type answer struct {
	confirmed bool
	choice    string
	err       error
}

type request struct {
	id      string
	kind    Kind
	options []string
	msg     protocol.Outbound
	done    chan answer
}

// Gate correlates interactive requests with their responses. It belongs to a
// session and outlives any single transport connection.
type Gate struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]*request
	order   []string
	closed  bool

	emit    func(protocol.Outbound)
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout bounds how long a request waits for an answer. Zero disables
// the bound.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate that sends requests through emit.
func New(emit func(protocol.Outbound), opts ...Option) *Gate {
	g := &Gate{
		pending: make(map[string]*request),
		emit:    emit,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestConfirmation asks a yes/no question and blocks until it is answered,
// ctx is cancelled, the timeout elapses or the gate is closed.
func (g *Gate) RequestConfirmation(ctx context.Context, question string, def bool) (bool, error) {
	req, err := g.open(KindConfirm, nil, func(id string) protocol.Outbound {
		return protocol.ConfirmRequest{RequestID: id, Question: question, Default: def}
	})
	if err != nil {
		return false, err
	}
	ans, err := g.wait(ctx, req)
	if err != nil {
		return false, err
	}
	return ans.confirmed, nil
}

// RequestChoice asks the user to pick one of options and blocks like
// RequestConfirmation.
func (g *Gate) RequestChoice(ctx context.Context, title string, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("choice %q has no options", title)
	}
	opts := slices.Clone(options)
	req, err := g.open(KindChoice, opts, func(id string) protocol.Outbound {
		return protocol.ChoiceRequest{RequestID: id, Title: title, Choices: opts}
	})
	if err != nil {
		return "", err
	}
	ans, err := g.wait(ctx, req)
	if err != nil {
		return "", err
	}
	return ans.choice, nil
}

func (g *Gate) open(kind Kind, options []string, build func(id string) protocol.Outbound) (*request, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)
	}
	g.seq++
	id := "r" + strconv.FormatUint(g.seq, 10)
	req := &request{
		id:      id,
		kind:    kind,
		options: options,
		msg:     build(id),
		done:    make(chan answer, 1),
	}
	g.pending[id] = req
	g.order = append(g.order, id)
	g.mu.Unlock()

	g.logger.Debug("Interactive request opened", "request_id", id, "kind", kind)
	g.emit(req.msg)
	return req, nil
}

func (g *Gate) wait(ctx context.Context, req *request) (answer, error) {
	var timeout <-chan time.Time
	if g.timeout > 0 {
		t := time.NewTimer(g.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case ans := <-req.done:
		return ans, ans.err
	case <-ctx.Done():
		g.drop(req.id)
		return answer{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-timeout:
		if !g.drop(req.id) {
			// Answered concurrently with the timer.
			ans := <-req.done
			return ans, ans.err
		}
		g.logger.Info("Interactive request timed out", "request_id", req.id, "timeout", g.timeout)
		g.emit(protocol.Error{
			Error:     "no answer within " + g.timeout.String(),
			Code:      protocol.CodeInteractiveTimeout,
			RequestID: req.id,
		})
		return answer{}, fmt.Errorf("%w: %w", ErrCancelled, ErrTimeout)
	}
}

// drop removes a pending request. It reports whether the request was still
// pending.
func (g *Gate) drop(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[id]; !ok {
		return false
	}
	g.removeLocked(id)
	return true
}

func (g *Gate) removeLocked(id string) {
	delete(g.pending, id)
	if i := slices.Index(g.order, id); i >= 0 {
		g.order = slices.Delete(g.order, i, i+1)
	}
}

// Resolve delivers a response to its pending request. Responses that match no
// pending request, or whose answer does not fit the request, are discarded and
// Resolve reports false.
func (g *Gate) Resolve(resp protocol.InteractiveResponse) bool {
	g.mu.Lock()
	req, ok := g.pending[resp.RequestID]
	if !ok {
		g.mu.Unlock()
		g.logger.Debug("Discarding stale interactive response", "request_id", resp.RequestID)
		return false
	}

	var ans answer
	switch req.kind {
	case KindConfirm:
		if resp.Confirmed == nil {
			g.mu.Unlock()
			return false
		}
		ans.confirmed = *resp.Confirmed
	case KindChoice:
		if resp.Choice == nil || !slices.Contains(req.options, *resp.Choice) {
			g.mu.Unlock()
			return false
		}
		ans.choice = *resp.Choice
	}
	g.removeLocked(req.id)
	g.mu.Unlock()

	req.done <- ans
	return true
}

// Outstanding returns the request messages still awaiting an answer, oldest
// first. A reattached transport uses it to show them again.
func (g *Gate) Outstanding() []protocol.Outbound {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.Outbound, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.pending[id].msg)
	}
	return out
}

// Pending returns the ids of unanswered requests, oldest first.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.order)
}

// Close abandons every pending request as cancelled and rejects new ones.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	abandoned := make([]*request, 0, len(g.pending))
	for _, id := range g.order {
		abandoned = append(abandoned, g.pending[id])
	}
	g.pending = make(map[string]*request)
	g.order = nil
	g.mu.Unlock()

	for _, req := range abandoned {
		req.done <- answer{err: fmt.Errorf("%w: %w", ErrCancelled, ErrClosed)}
	}
}
