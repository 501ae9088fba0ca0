package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/PKell33/ownprem-sub002/pkg/events"
	"github.com/PKell33/ownprem-sub002/pkg/log"
	"github.com/PKell33/ownprem-sub002/pkg/metrics"
	"github.com/PKell33/ownprem-sub002/pkg/storage"
	"github.com/PKell33/ownprem-sub002/pkg/types"
)

// EnvProduction selects the static UI fallback and strict TLS policy.
const EnvProduction = "production"

const (
	defaultDebounceWindow   = 2 * time.Second
	defaultRequestTimeout   = 10 * time.Second
	defaultFailureThreshold = 5
	defaultRecoveryInterval = 30 * time.Second

	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 5 * time.Second
	retryMaxAttempts     = 3
)

// Config holds proxy manager settings.
type Config struct {
	AdminURL      string // admin API base, e.g. http://127.0.0.1:2019
	Domain        string
	Environment   string
	StaticUIDir   string
	DevServerURL  string
	ACMEDirectory string
	CARootPath    string

	DebounceWindow   time.Duration
	RequestTimeout   time.Duration
	FailureThreshold uint32
	RecoveryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaultRecoveryInterval
	}
	return c
}

// Manager rebuilds the reverse proxy config from the route tables and
// pushes it to the admin API. Pushes are deduplicated by content hash,
// retried with backoff, and guarded by a circuit breaker that keeps the
// last applied config live while the admin API is down.
type Manager struct {
	store   storage.Store
	cfg     Config
	client  *http.Client
	broker  *events.Broker
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	hasLast  bool
	timer    *time.Timer
	closed   bool
}

// NewManager creates a proxy manager. broker may be nil.
func NewManager(store storage.Store, broker *events.Broker, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		broker: broker,
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "proxy-admin",
		Timeout: cfg.RecoveryInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: m.onStateChange,
	})
	return m
}

// ScheduleReload coalesces bursts of route changes into a single reload.
// The reload fires once the debounce window elapses with no further
// calls; failures are logged, never propagated to the scheduling caller.
func (m *Manager) ScheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	if m.timer != nil {
		m.timer.Reset(m.cfg.DebounceWindow)
		return
	}
	m.timer = time.AfterFunc(m.cfg.DebounceWindow, func() {
		m.mu.Lock()
		m.timer = nil
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		if err := m.UpdateAndReload(context.Background()); err != nil {
			logger := log.WithComponent("proxy")
			logger.Error().Err(err).Msg("Debounced proxy reload failed")
		}
	})
}

// UpdateAndReload rebuilds the config from the stored routes and pushes
// it immediately. An unchanged config is skipped without touching the
// admin API. Returns a KindProxyUpdateFailed error while the circuit is
// open or when all retries are exhausted.
func (m *Manager) UpdateAndReload(ctx context.Context) error {
	routes, err := m.loadRoutes()
	if err != nil {
		return err
	}

	body, err := json.Marshal(BuildPayload(routes, m.cfg))
	if err != nil {
		return types.Wrap(types.KindInternal, err, "marshal proxy config")
	}
	hash := sha256.Sum256(body)

	m.mu.Lock()
	if m.hasLast && m.lastHash == hash {
		m.mu.Unlock()
		logger := log.WithComponent("proxy")
		logger.Debug().Msg("Proxy config unchanged, skipping reload")
		return nil
	}
	m.mu.Unlock()

	_, err = m.breaker.Execute(func() (any, error) {
		return nil, m.push(ctx, body)
	})
	if err != nil {
		metrics.ProxyReloadsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.E(types.KindProxyUpdateFailed, "proxy admin circuit open, serving last applied config")
		}
		return types.Wrap(types.KindProxyUpdateFailed, err, "push proxy config")
	}
	metrics.ProxyReloadsTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	m.lastHash = hash
	m.hasLast = true
	m.mu.Unlock()

	logger := log.WithComponent("proxy")
	logger.Info().
		Int("webui_routes", len(routes.WebUI)).
		Int("service_routes", len(routes.Service)).
		Msg("Proxy config applied")
	m.publish(events.EventProxyReloaded, "proxy config applied")
	return nil
}

// Close stops any pending debounced reload.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) loadRoutes() (RouteSet, error) {
	webui, err := m.store.ListProxyRoutes()
	if err != nil {
		return RouteSet{}, err
	}
	svc, err := m.store.ListServiceRoutes()
	if err != nil {
		return RouteSet{}, err
	}
	return RouteSet{WebUI: webui, Service: svc}, nil
}

// push POSTs the config with bounded retries. Client errors other than
// 429 are permanent; network errors and 5xx are retried.
func (m *Manager) push(ctx context.Context, body []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialInterval
	policy.MaxInterval = retryMaxInterval

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := m.postLoad(ctx, body)
		if err != nil && attempt < retryMaxAttempts {
			logger := log.WithComponent("proxy")
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Proxy config push failed, retrying")
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, retryMaxAttempts-1), ctx))
}

func (m *Manager) postLoad(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AdminURL+"/load", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("admin API returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (m *Manager) onStateChange(name string, from, to gobreaker.State) {
	logger := log.WithComponent("proxy")
	logger.Warn().
		Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Proxy admin circuit state changed")
	if to == gobreaker.StateOpen {
		m.publish(events.EventProxyCircuitOpened, "proxy admin API unreachable, circuit opened")
	}
}

func (m *Manager) publish(typ events.EventType, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: typ, Message: msg})
}
