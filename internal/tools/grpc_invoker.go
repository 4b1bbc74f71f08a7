package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Remote tool service methods. Messages are google.protobuf.Struct values so
// the service needs no generated stubs on either side.
const (
	ListToolsMethod = "/ragops.tools.v1.ToolService/ListTools"
	InvokeMethod    = "/ragops.tools.v1.ToolService/Invoke"
)

// Frame kinds on the Invoke stream.
const (
	frameProgress = "progress"
	frameResult   = "result"
	frameError    = "error"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNoResult                 = errors.New("tool stream ended without a result")
	// ErrRemoteTool wraps errors reported by the remote tool service.
	ErrRemoteTool = errors.New("remote tool failed")
)

// GrpcInvokerConfig holds configuration for the remote tool client.
type GrpcInvokerConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcInvokerConfig returns default configuration.
func DefaultGrpcInvokerConfig(addr string) GrpcInvokerConfig {
	return GrpcInvokerConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcInvoker runs tools hosted by a remote tool service and relays its
// progress frames.
type GrpcInvoker struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGrpcInvoker connects to the tool service and waits until it is ready.
func NewGrpcInvoker(cfg GrpcInvokerConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcInvoker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to tool service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("tool service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to tool service", "address", cfg.Address)
	return &GrpcInvoker{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GrpcInvoker) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// ListTools asks the service which tools it hosts.
func (g *GrpcInvoker) ListTools(ctx context.Context) ([]Definition, error) {
	req, _ := structpb.NewStruct(map[string]any{})
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ListToolsMethod, req, resp); err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}

	var defs []Definition
	for _, v := range resp.GetFields()["tools"].GetListValue().GetValues() {
		fields := v.GetStructValue().GetFields()
		name := fields["name"].GetStringValue()
		if name == "" {
			continue
		}
		defs = append(defs, Definition{
			Name:        name,
			Description: fields["description"].GetStringValue(),
			Parameters:  fields["parameters"].GetStructValue().AsMap(),
		})
	}
	return defs, nil
}

// Tools lists the remote tools bound to this invoker.
func (g *GrpcInvoker) Tools(ctx context.Context) ([]Tool, error) {
	defs, err := g.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return Bind(defs, g), nil
}

// Invoke runs a remote tool, forwarding progress frames to report.
func (g *GrpcInvoker) Invoke(ctx context.Context, name string, args map[string]any, report ProgressFunc) (string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("encode arguments for %s: %w", name, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := g.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, InvokeMethod)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", name, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return "", fmt.Errorf("invoke %s: %w", name, err)
	}
	if err := stream.CloseSend(); err != nil {
		return "", fmt.Errorf("invoke %s: %w", name, err)
	}

	for {
		frame := &structpb.Struct{}
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("invoke %s: %w", name, errNoResult)
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("invoke %s stream error: %w", name, err)
		}

		fields := frame.GetFields()
		switch kind := fields["kind"].GetStringValue(); kind {
		case frameProgress:
			if report == nil {
				continue
			}
			p := Progress{
				Progress: fields["progress"].GetNumberValue(),
				Message:  fields["message"].GetStringValue(),
			}
			if total, ok := fields["total"]; ok {
				t := total.GetNumberValue()
				p.Total = &t
			}
			report(p)
		case frameResult:
			return fields["content"].GetStringValue(), nil
		case frameError:
			return "", fmt.Errorf("%w: %s", ErrRemoteTool, fields["error"].GetStringValue())
		default:
			g.logger.Warn("Ignoring unknown tool frame", "tool", name, "kind", kind)
		}
	}
}
