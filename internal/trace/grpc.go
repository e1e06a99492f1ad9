package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// UnaryClientInterceptor forwards the caller's trace to the inference sidecar.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(outgoing(ctx), method, req, reply, cc, opts...)
	}
}

func outgoing(ctx context.Context) context.Context {
	ctx, tc := EnsureContext(ctx)
	pairs := make([]string, 0, 6)
	for k, v := range tc.Headers() {
		pairs = append(pairs, k, v)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// FromIncoming reads the trace carried in incoming gRPC metadata.
func FromIncoming(ctx context.Context) Context {
	md, _ := metadata.FromIncomingContext(ctx)
	return FromHeaders(func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	})
}
