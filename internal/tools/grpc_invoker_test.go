package tools

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func listToolsHandler(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	if err := dec(&structpb.Struct{}); err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"tools": []any{
			map[string]any{
				"name":        "chunk_documents",
				"description": "Split documents into chunks.",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
				},
			},
			map[string]any{"description": "nameless entries are skipped"},
		},
	})
}

func invokeHandler(_ any, stream grpc.ServerStream) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	fields := req.GetFields()
	send := func(m map[string]any) error {
		frame, err := structpb.NewStruct(m)
		if err != nil {
			return err
		}
		return stream.SendMsg(frame)
	}

	switch fields["name"].GetStringValue() {
	case "chunk_documents":
		path := fields["arguments"].GetStructValue().GetFields()["path"].GetStringValue()
		if err := send(map[string]any{"kind": "progress", "progress": 1, "total": 2, "message": "reading " + path}); err != nil {
			return err
		}
		if err := send(map[string]any{"kind": "progress", "progress": 2}); err != nil {
			return err
		}
		return send(map[string]any{"kind": "result", "content": "chunked " + path})
	case "hang":
		<-stream.Context().Done()
		return stream.Context().Err()
	default:
		return send(map[string]any{"kind": "error", "error": "no such tool"})
	}
}

func startToolService(t *testing.T) *GrpcInvoker {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "ragops.tools.v1.ToolService",
		HandlerType: (*any)(nil),
		Methods:     []grpc.MethodDesc{{MethodName: "ListTools", Handler: listToolsHandler}},
		Streams:     []grpc.StreamDesc{{StreamName: "Invoke", Handler: invokeHandler, ServerStreams: true}},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	inv, err := NewGrpcInvoker(DefaultGrpcInvokerConfig("passthrough:///bufnet"), nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(inv.Close)
	return inv
}

func TestGrpcInvokerListTools(t *testing.T) {
	t.Parallel()

	inv := startToolService(t)
	tools, err := inv.Tools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "chunk_documents", tools[0].Definition.Name)
	assert.Equal(t, "object", tools[0].Definition.Parameters["type"])
	assert.Same(t, inv, tools[0].Invoker.(*GrpcInvoker))
}

func TestGrpcInvokerRelaysProgressAndResult(t *testing.T) {
	t.Parallel()

	inv := startToolService(t)

	var mu sync.Mutex
	var reports []Progress
	out, err := inv.Invoke(context.Background(), "chunk_documents", map[string]any{"path": "./docs"}, func(p Progress) {
		mu.Lock()
		reports = append(reports, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "chunked ./docs", out)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 2)
	assert.Equal(t, "reading ./docs", reports[0].Message)
	require.NotNil(t, reports[0].Total)
	assert.InDelta(t, 2.0, *reports[0].Total, 0)
	assert.Nil(t, reports[1].Total)
}

func TestGrpcInvokerRemoteError(t *testing.T) {
	t.Parallel()

	inv := startToolService(t)
	_, err := inv.Invoke(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, ErrRemoteTool)
	assert.Contains(t, err.Error(), "no such tool")
}

func TestGrpcInvokerHonoursCancellation(t *testing.T) {
	t.Parallel()

	inv := startToolService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := inv.Invoke(ctx, "hang", map[string]any{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
