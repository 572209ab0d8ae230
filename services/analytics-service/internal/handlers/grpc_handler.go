package handlers

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/service"
)

// OverallService имя сервиса gRPC health для пайплайна в целом
const OverallService = ""

// HealthServer зеркалит HealthTracker в стандартный gRPC health сервис:
// по имени на бэкенд и общий статус SERVING, пока здоров хоть один
type HealthServer struct {
	server  *health.Server
	tracker *service.HealthTracker
	logger  logger.Logger

	mu       sync.Mutex
	backends map[string]bool
}

func NewHealthServer(tracker *service.HealthTracker, backends []string, log logger.Logger) *HealthServer {
	s := &HealthServer{
		server:   health.NewServer(),
		tracker:  tracker,
		logger:   log.WithField("component", "grpc_health"),
		backends: make(map[string]bool, len(backends)),
	}
	s.mu.Lock()
	for _, name := range backends {
		s.backends[name] = tracker.IsHealthy(name)
		s.server.SetServingStatus(name, servingStatus(s.backends[name]))
	}
	s.updateOverall()
	s.mu.Unlock()

	tracker.Subscribe(s.onChange)
	return s
}

func (s *HealthServer) onChange(name string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.backends[name]; !ok {
		return
	}
	s.backends[name] = healthy
	s.server.SetServingStatus(name, servingStatus(healthy))
	s.updateOverall()
	s.logger.Debug("gRPC health status updated",
		logger.Field{Key: "backend", Value: name},
		logger.Field{Key: "healthy", Value: healthy},
	)
}

// updateOverall вызывается под s.mu
func (s *HealthServer) updateOverall() {
	serving := false
	for _, healthy := range s.backends {
		if healthy {
			serving = true
			break
		}
	}
	s.server.SetServingStatus(OverallService, servingStatus(serving))
}

func (s *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, s.server)
}

// Server нижележащий health.Server, реализует healthpb.HealthServer
func (s *HealthServer) Server() *health.Server {
	return s.server
}

// Shutdown переводит все сервисы в NOT_SERVING перед остановкой
func (s *HealthServer) Shutdown() {
	s.server.Shutdown()
}

func servingStatus(healthy bool) healthpb.HealthCheckResponse_ServingStatus {
	if healthy {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
