package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

type fixedSessions int

func (f fixedSessions) SessionCount() int { return int(f) }

func TestCollectorSnapshotsFleet(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateServer(&types.Server{ID: "a", Name: "a", AgentStatus: types.AgentOnline}))
	require.NoError(t, store.CreateServer(&types.Server{ID: "b", Name: "b", AgentStatus: types.AgentOffline}))
	require.NoError(t, store.CreateDeployment(&types.Deployment{
		ID: "d1", ServerID: "a", AppName: "demo", Status: types.StatusRunning,
	}, nil))

	NewCollector(store, fixedSessions(1)).Collect()

	assert.Equal(t, 1.0, testutil.ToFloat64(ServersTotal.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ServersTotal.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(DeploymentsTotal.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(DeploymentsTotal.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(AgentSessions))
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	t.Cleanup(resetHealth)

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)

	SetComponent("storage", true, "")
	SetComponent("sessions", true, "")
	SetComponent("proxy", true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)

	SetComponent("proxy", false, "admin api unreachable")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Components["proxy"], "admin api unreachable")
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	t.Cleanup(resetHealth)

	SetComponent("storage", true, "")
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)

	SetComponent("storage", false, "bolt file locked")
	rec = httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Components["storage"], "bolt file locked")
}

func TestTimerObservesElapsed(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)

	before := testutil.CollectAndCount(CommandDuration)
	timer.ObserveDuration(CommandDuration.WithLabelValues("install"))
	assert.Greater(t, testutil.CollectAndCount(CommandDuration), before-1)
}

func resetHealth() {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components = make(map[string]componentHealth)
}
