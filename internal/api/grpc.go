package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the trader.
const ServiceName = "wata.Trader"

// Health reports whether the trader can keep processing signals. It starts
// SERVING and flips to NOT_SERVING once a fatal error or a corrupted ledger
// is detected.
type Health struct {
	srv *health.Server
}

// NewHealth creates a Health in the SERVING state.
func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.SetServing(true)
	return h
}

// RegisterGRPC registers the standard health service on gs.
func (h *Health) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// SetServing updates both the overall and the trader service status.
func (h *Health) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Serving reports the current trader status.
func (h *Health) Serving() bool {
	resp, err := h.srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Shutdown marks every service NOT_SERVING ahead of a stop.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}
