package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/service"
)

func checkStatus(t *testing.T, s *HealthServer, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	require.NoError(t, err)
	return resp.Status
}

func TestHealthServer_MirrorsTracker(t *testing.T) {
	tracker := service.NewHealthTracker(time.Hour, logger.Discard())
	tracker.MarkHealthy("mongo")
	s := NewHealthServer(tracker, []string{"mongo", "redis"}, logger.Discard())

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, s, "mongo"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, s, "redis"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, s, OverallService))

	tracker.MarkHealthy("redis")
	tracker.MarkUnhealthy("mongo", errors.New("connection refused"))

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, s, "mongo"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, checkStatus(t, s, "redis"))

	tracker.MarkUnhealthy("redis", errors.New("timeout"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, s, OverallService))
}

func TestHealthServer_IgnoresUnknownBackends(t *testing.T) {
	tracker := service.NewHealthTracker(time.Hour, logger.Discard())
	s := NewHealthServer(tracker, []string{"mongo"}, logger.Discard())

	tracker.MarkHealthy("nats")

	_, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "nats"})
	assert.Error(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, s, OverallService))
}

func TestHealthServer_Shutdown(t *testing.T) {
	tracker := service.NewHealthTracker(time.Hour, logger.Discard())
	tracker.MarkHealthy("mongo")
	s := NewHealthServer(tracker, []string{"mongo"}, logger.Discard())

	s.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, checkStatus(t, s, "mongo"))
}
