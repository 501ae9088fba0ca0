package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
)

func testService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store), store
}

func TestEmitAndRecent(t *testing.T) {
	svc, _ := testService(t)

	svc.Emit(EventDeploymentInstalled, "core", "demo", map[string]string{"version": "1.2.0"})
	svc.Emit(EventDeploymentStarted, "core", "demo", nil)

	records, err := svc.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, EventDeploymentStarted, records[0].Event)
	assert.Equal(t, EventDeploymentInstalled, records[1].Event)
	assert.Equal(t, "1.2.0", records[1].Detail["version"])
}

func TestWatchRecordsBrokerEvents(t *testing.T) {
	svc, _ := testService(t)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Watch(ctx, broker) }()

	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	broker.Publish(&events.Event{
		Type:     events.EventAgentConnected,
		Metadata: map[string]string{"serverId": "nodeA"},
	})
	// Deployment events are audited by the deployer, not by Watch.
	broker.Publish(&events.Event{
		Type:     events.EventDeploymentInstalled,
		Metadata: map[string]string{"serverId": "nodeA", "app": "demo"},
	})
	broker.Publish(&events.Event{
		Type:    events.EventProxyCircuitOpened,
		Message: "admin endpoint unreachable",
	})

	require.Eventually(t, func() bool {
		records, err := svc.Recent(10)
		return err == nil && len(records) == 2
	}, 2*time.Second, 20*time.Millisecond)

	records, err := svc.Recent(10)
	require.NoError(t, err)
	assert.Equal(t, EventProxyCircuitOpen, records[0].Event)
	assert.Equal(t, "admin endpoint unreachable", records[0].Detail["message"])
	assert.Equal(t, EventAgentConnected, records[1].Event)
	assert.Equal(t, "nodeA", records[1].ServerID)

	cancel()
	require.NoError(t, <-done)
}
