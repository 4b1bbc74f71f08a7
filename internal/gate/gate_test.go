package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Outbound
	sent chan protocol.Outbound
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan protocol.Outbound, 16)}
}

func (r *recorder) emit(m protocol.Outbound) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	r.sent <- m
}

func (r *recorder) next(t *testing.T) protocol.Outbound {
	t.Helper()
	select {
	case m := <-r.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emitted message")
		return nil
	}
}

func boolPtr(b bool) *bool { return &b }
func strPtr(s string) *string { return &s }

func TestConfirmationResolvedOnce(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	result := make(chan bool, 1)
	go func() {
		ok, err := g.RequestConfirmation(context.Background(), "Deploy Qdrant now?", true)
		assert.NoError(t, err)
		result <- ok
	}()

	req, ok := rec.next(t).(protocol.ConfirmRequest)
	require.True(t, ok)
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, "Deploy Qdrant now?", req.Question)
	assert.True(t, req.Default)

	assert.True(t, g.Resolve(protocol.InteractiveResponse{RequestID: "r1", Confirmed: boolPtr(true)}))
	assert.True(t, <-result)

	assert.False(t, g.Resolve(protocol.InteractiveResponse{RequestID: "r1", Confirmed: boolPtr(false)}))
	assert.Empty(t, g.Pending())
}

func TestStaleResponseHasNoEffect(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	assert.False(t, g.Resolve(protocol.InteractiveResponse{RequestID: "r9", Confirmed: boolPtr(true)}))
	assert.Empty(t, g.Pending())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.msgs)
}

func TestChoiceValidatesOption(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	result := make(chan string, 1)
	go func() {
		choice, err := g.RequestChoice(context.Background(), "Vector store", []string{"qdrant", "chroma"})
		assert.NoError(t, err)
		result <- choice
	}()

	req := rec.next(t).(protocol.ChoiceRequest)
	assert.Equal(t, []string{"qdrant", "chroma"}, req.Choices)

	assert.False(t, g.Resolve(protocol.InteractiveResponse{RequestID: req.RequestID, Choice: strPtr("milvus")}))
	assert.False(t, g.Resolve(protocol.InteractiveResponse{RequestID: req.RequestID, Confirmed: boolPtr(true)}))
	assert.Equal(t, []string{req.RequestID}, g.Pending())

	assert.True(t, g.Resolve(protocol.InteractiveResponse{RequestID: req.RequestID, Choice: strPtr("chroma")}))
	assert.Equal(t, "chroma", <-result)
}

func TestCancellationUnblocks(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := g.RequestConfirmation(ctx, "Continue?", false)
		errc <- err
	}()
	rec.next(t)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrCancelled))
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not return after cancellation")
	}
	assert.Empty(t, g.Pending())
}

func TestConcurrentRequestsResolveIndependently(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	go func() {
		ok, _ := g.RequestConfirmation(context.Background(), "first", false)
		first <- ok
	}()
	a := rec.next(t).(protocol.ConfirmRequest)
	go func() {
		ok, _ := g.RequestConfirmation(context.Background(), "second", false)
		second <- ok
	}()
	b := rec.next(t).(protocol.ConfirmRequest)
	require.NotEqual(t, a.RequestID, b.RequestID)

	require.True(t, g.Resolve(protocol.InteractiveResponse{RequestID: b.RequestID, Confirmed: boolPtr(true)}))
	assert.True(t, <-second)
	assert.Equal(t, []string{a.RequestID}, g.Pending())

	require.True(t, g.Resolve(protocol.InteractiveResponse{RequestID: a.RequestID, Confirmed: boolPtr(false)}))
	assert.False(t, <-first)
}

func TestOutstandingSurvivesUntilAnswered(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	go func() { _, _ = g.RequestConfirmation(context.Background(), "Deploy?", true) }()
	rec.next(t)

	out := g.Outstanding()
	require.Len(t, out, 1)
	assert.Equal(t, protocol.ConfirmRequest{RequestID: "r1", Question: "Deploy?", Default: true}, out[0])
	g.Close()
}

func TestCloseAbandonsPending(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit)

	errc := make(chan error, 1)
	go func() {
		_, err := g.RequestChoice(context.Background(), "Pick", []string{"a"})
		errc <- err
	}()
	rec.next(t)
	g.Close()

	err := <-errc
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = g.RequestConfirmation(context.Background(), "again?", true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTimeoutEmitsErrorAndCancels(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	g := New(rec.emit, WithTimeout(20*time.Millisecond))

	_, err := g.RequestConfirmation(context.Background(), "Anyone?", false)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, ErrTimeout)

	rec.next(t)
	msg, ok := rec.next(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInteractiveTimeout, msg.Code)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Empty(t, g.Pending())
}
