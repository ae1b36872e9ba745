package metrics

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// UnaryServerInterceptor observes inbound messaging calls. All node traffic
// arrives through a single Invoke method carrying typed envelopes, so
// requests are labeled by envelope message type rather than grpc method name.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		msgType := envelopeType(req)
		code := status.Code(err).String()

		MessagingRequestsTotal.WithLabelValues(msgType, code).Inc()
		MessagingRequestDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// envelopeType peeks at the json envelope inside the request payload. An
// undecodable request still counts, under "unknown".
func envelopeType(req interface{}) string {
	bv, ok := req.(*wrapperspb.BytesValue)
	if !ok {
		return "unknown"
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(bv.GetValue(), &env); err != nil || env.Type == "" {
		return "unknown"
	}
	return env.Type
}
