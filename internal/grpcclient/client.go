package grpcclient

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/orchestrator/preprocess"
	"github.com/animalrunner/listener/internal/resilience"
	"github.com/animalrunner/listener/internal/trace"
)

type Options struct {
	PredictTimeout time.Duration
	Breaker        resilience.Config
	DialOptions    []grpc.DialOption // appended after the defaults
}

// Client is the remote classifier engine. It satisfies classifier.Engine.
type Client struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	breaker *resilience.Breaker
	timeout time.Duration
}

func New(addr string, opts Options) (*Client, error) {
	if opts.PredictTimeout <= 0 {
		opts.PredictTimeout = DefaultPredictTimeout
	}
	dial := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                DefaultKeepaliveTime,
			Timeout:             DefaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(addr, append(dial, opts.DialOptions...)...)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeUnavailable, "dial inference sidecar %s", addr)
	}
	return &Client{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		breaker: resilience.New("inference", opts.Breaker),
		timeout: opts.PredictTimeout,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Breaker exposes the circuit breaker guarding Predict.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// LoadModel asks the sidecar to load the model at path and returns its
// class count. Failure here is fatal to the pipeline.
func (c *Client) LoadModel(ctx context.Context, path string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, LoadModelTimeout)
	defer cancel()

	var reply wrapperspb.Int32Value
	if err := c.conn.Invoke(ctx, MethodLoadModel, wrapperspb.String(path), &reply); err != nil {
		return 0, apperrors.Wrapf(apperrors.FromGRPCError(err), apperrors.CodeLoadFailed, "load model %s", path)
	}
	if reply.GetValue() <= 0 {
		return 0, apperrors.Newf(apperrors.CodeLoadFailed, "model %s reports %d classes", path, reply.GetValue())
	}
	slog.Info("model loaded", "path", path, "classes", reply.GetValue())
	return int(reply.GetValue()), nil
}

// Predict returns one probability per class for t.
func (c *Client) Predict(ctx context.Context, t preprocess.Tensor) ([]float32, error) {
	return resilience.Do(c.breaker, func() ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reply structpb.ListValue
		if err := c.conn.Invoke(ctx, MethodClassify, wrapperspb.Bytes(t.Bytes()), &reply); err != nil {
			return nil, apperrors.FromGRPCError(err)
		}
		values := reply.GetValues()
		probs := make([]float32, len(values))
		for i, v := range values {
			probs[i] = float32(v.GetNumberValue())
		}
		return probs, nil
	})
}

// Healthy reports whether the sidecar's health service says SERVING.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthServiceName})
	if err != nil {
		slog.Debug("inference health check failed", "error", err)
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}
