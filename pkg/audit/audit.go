package audit

import (
	"context"
	"time"

	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
	"github.com/google/uuid"
)

// Well-known audit events emitted by the deployer.
const (
	EventDeploymentInstalled   = "deployment_installed"
	EventDeploymentFailed      = "deployment_failed"
	EventDeploymentConfigured  = "deployment_configured"
	EventDeploymentStarted     = "deployment_started"
	EventDeploymentStopped     = "deployment_stopped"
	EventDeploymentUninstalled = "deployment_uninstalled"
	EventPrivilegeDenied       = "privilege_denied"
)

// Events recorded from the broker by Watch.
const (
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventProxyCircuitOpen  = "proxy_circuit_open"
	EventServerDeleted     = "server_deleted"
)

// Service persists audit records and mirrors them to the structured log.
// Record details never contain secret values.
type Service struct {
	store storage.Store
}

// NewService creates an audit service backed by the store.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Emit writes one audit record. Persistence failures are logged, never
// propagated: audit must not break the operation it describes.
func (s *Service) Emit(event, serverID, appName string, detail map[string]string) {
	rec := &types.AuditRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Event:     event,
		ServerID:  serverID,
		AppName:   appName,
		Detail:    detail,
	}

	logger := log.WithComponent("audit")
	ev := logger.Info().
		Str("event", event).
		Str("server_id", serverID).
		Str("app", appName)
	for k, v := range detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit")

	if err := s.store.AppendAudit(rec); err != nil {
		logger.Error().Err(err).Str("event", event).Msg("failed to persist audit record")
	}
}

// Recent returns up to limit most recent records.
func (s *Service) Recent(limit int) ([]*types.AuditRecord, error) {
	return s.store.ListAudit(limit)
}

// Watch records control-plane events from the broker until the context
// ends. Deployment events are audited by the deployer at the point of
// action and are skipped here.
func (s *Service) Watch(ctx context.Context, broker *events.Broker) error {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			s.record(event)
		}
	}
}

func (s *Service) record(event *events.Event) {
	var name string
	switch event.Type {
	case events.EventAgentConnected:
		name = EventAgentConnected
	case events.EventAgentDisconnected:
		name = EventAgentDisconnected
	case events.EventProxyCircuitOpened:
		name = EventProxyCircuitOpen
	case events.EventServerDeleted:
		name = EventServerDeleted
	default:
		return
	}

	var detail map[string]string
	if event.Message != "" {
		detail = map[string]string{"message": event.Message}
	}
	s.Emit(name, event.Metadata["serverId"], event.Metadata["app"], detail)
}
