package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/ragops-web/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []protocol.Outbound
	hook   func(protocol.Outbound)
}

func (l *eventLog) emit(m protocol.Outbound) {
	l.mu.Lock()
	l.events = append(l.events, m)
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(m)
	}
}

func (l *eventLog) snapshot() []protocol.Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Outbound(nil), l.events...)
}

func staticTool(name, output string) Tool {
	return Tool{
		Definition: Definition{Name: name},
		Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
			return output, nil
		}),
	}
}

func TestDispatchAssignsCallIDsInRequestOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(staticTool("chunk_documents", "12 chunks"), staticTool("list_collections", "docs"))
	log := &eventLog{}
	d := NewDispatcher(reg, log.emit)

	results := d.Dispatch(context.Background(), []Request{
		{Name: "chunk_documents", Args: map[string]any{"path": "./docs"}},
		{Name: "list_collections"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, "call_1", results[0].CallID)
	assert.Equal(t, "12 chunks", results[0].Content())
	assert.Equal(t, "call_2", results[1].CallID)
	assert.Equal(t, "docs", results[1].Content())

	events := log.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, protocol.ToolCallStart{CallID: "call_1", ToolName: "chunk_documents", Args: map[string]any{"path": "./docs"}}, events[0])
	assert.Equal(t, protocol.ToolCallStart{CallID: "call_2", ToolName: "list_collections"}, events[1])
	assert.ElementsMatch(t, []protocol.Outbound{
		protocol.ToolCallEnd{CallID: "call_1", ToolName: "chunk_documents", ResultPreview: "12 chunks"},
		protocol.ToolCallEnd{CallID: "call_2", ToolName: "list_collections", ResultPreview: "docs"},
	}, events[2:])
}

func TestDispatchUnknownToolCreatesNoCall(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(staticTool("known", "ok"))
	log := &eventLog{}
	d := NewDispatcher(reg, log.emit)

	results := d.Dispatch(context.Background(), []Request{{Name: "frobnicate"}, {Name: "known"}})

	assert.Empty(t, results[0].CallID)
	assert.ErrorIs(t, results[0].Err, ErrUnknownTool)
	assert.True(t, strings.HasPrefix(results[0].Content(), "Error: "))
	assert.Equal(t, "call_1", results[1].CallID)

	events := log.snapshot()
	errEvent, ok := events[0].(protocol.ToolCallError)
	require.True(t, ok)
	assert.Empty(t, errEvent.CallID)
	assert.Equal(t, "frobnicate", errEvent.ToolName)
	assert.Len(t, d.Calls(), 1)
}

func TestProgressGoesToMostRecentRunningCall(t *testing.T) {
	t.Parallel()

	bStarted := make(chan struct{})
	aReported := make(chan struct{})
	bEnded := make(chan struct{})

	log := &eventLog{hook: func(m protocol.Outbound) {
		if end, ok := m.(protocol.ToolCallEnd); ok && end.CallID == "call_2" {
			close(bEnded)
		}
	}}

	reg := NewRegistry()
	reg.Register(
		Tool{
			Definition: Definition{Name: "a"},
			Invoker: InvokerFunc(func(_ context.Context, _ string, _ map[string]any, report ProgressFunc) (string, error) {
				<-bStarted
				report(Progress{Progress: 1, Message: "first"})
				close(aReported)
				<-bEnded
				report(Progress{Progress: 2, Message: "second"})
				return "A", nil
			}),
		},
		Tool{
			Definition: Definition{Name: "b"},
			Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
				close(bStarted)
				<-aReported
				return "B", nil
			}),
		},
	)

	d := NewDispatcher(reg, log.emit)
	d.Dispatch(context.Background(), []Request{{Name: "a"}, {Name: "b"}})

	var progress []protocol.ProgressUpdate
	for _, m := range log.snapshot() {
		if p, ok := m.(protocol.ProgressUpdate); ok {
			progress = append(progress, p)
		}
	}
	require.Len(t, progress, 2)
	assert.Equal(t, "call_2", progress[0].CallID)
	assert.Equal(t, "first", progress[0].Message)
	assert.Equal(t, "call_1", progress[1].CallID)
	assert.Equal(t, "second", progress[1].Message)
}

func TestDispatchCancelRecordsLateResultWithoutForwarding(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	finished := make(chan struct{})
	reg := NewRegistry()
	reg.Register(Tool{
		Definition: Definition{Name: "load_vectors"},
		Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
			defer close(finished)
			<-release
			return "loaded", nil
		}),
	})

	log := &eventLog{}
	d := NewDispatcher(reg, log.emit)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan []Result, 1)
	go func() { done <- d.Dispatch(ctx, []Request{{Name: "load_vectors"}}) }()

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	var results []Result
	select {
	case results = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	assert.ErrorIs(t, results[0].Err, context.Canceled)

	close(release)
	<-finished
	d.Wait()
	assert.Equal(t, protocol.CallCompleted, d.Calls()[0].Status)

	call := d.Calls()[0]
	assert.True(t, call.Late)
	assert.Equal(t, "loaded", call.Output)
	assert.Len(t, log.snapshot(), 1, "late result must not be forwarded")
}

func TestDispatcherKeepsCallSequenceAcrossRounds(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(staticTool("list_collections", "docs"))
	log := &eventLog{}
	d := NewDispatcher(reg, log.emit)

	first := d.Dispatch(context.Background(), []Request{{Name: "list_collections"}, {Name: "list_collections"}})
	second := d.Dispatch(context.Background(), []Request{{Name: "list_collections"}})
	d.Wait()

	assert.Equal(t, "call_1", first[0].CallID)
	assert.Equal(t, "call_2", first[1].CallID)
	assert.Equal(t, "call_3", second[0].CallID)
	assert.Len(t, d.Calls(), 3)
}

func TestDispatchToolFailureAndPanic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(
		Tool{
			Definition: Definition{Name: "fails"},
			Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
				return "", errors.New("qdrant unreachable")
			}),
		},
		Tool{
			Definition: Definition{Name: "panics"},
			Invoker: InvokerFunc(func(context.Context, string, map[string]any, ProgressFunc) (string, error) {
				panic("boom")
			}),
		},
	)
	log := &eventLog{}
	d := NewDispatcher(reg, log.emit)

	results := d.Dispatch(context.Background(), []Request{{Name: "fails"}, {Name: "panics"}})
	assert.Equal(t, "Error: qdrant unreachable", results[0].Content())
	assert.Contains(t, results[1].Err.Error(), "panicked")

	for _, call := range d.Calls() {
		assert.Equal(t, protocol.CallError, call.Status)
	}
}

func TestDispatchPreviewIsTruncated(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300) + strings.Repeat("z", 300)
	reg := NewRegistry()
	reg.Register(staticTool("dump", long))
	log := &eventLog{}
	d := NewDispatcher(reg, log.emit, WithPreviewChars(100))

	results := d.Dispatch(context.Background(), []Request{{Name: "dump"}})
	assert.Equal(t, long, results[0].Output)

	end := log.snapshot()[1].(protocol.ToolCallEnd)
	assert.True(t, strings.HasPrefix(end.ResultPreview, strings.Repeat("a", 50)))
	assert.True(t, strings.HasSuffix(end.ResultPreview, strings.Repeat("z", 50)))
	assert.Contains(t, end.ResultPreview, "[500 characters truncated]")
}

func TestSummarizeKeepsHead(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", Summarize("short", 10))
	assert.Equal(t, "abc\n[truncated 3 characters]", Summarize("abcdef", 3))
}
