package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"greennanny-dashboard/internal/config"
	"greennanny-dashboard/internal/engine"
	"greennanny-dashboard/internal/store"
	"greennanny-dashboard/internal/types"
)

type mockDashboard struct {
	mu sync.Mutex

	view       engine.ViewModel
	hasView    bool
	bus        *engine.Bus
	subscribed chan struct{}

	dispatched  []string
	params      []json.RawMessage
	result      engine.CommandResult
	dispatchErr error

	active    []bool
	activeErr error

	stages        []types.Stage
	thresholds    types.Thresholds
	thresholdsErr error

	discord    types.DiscordConfig
	discordErr error
	logs       []byte
	logsErr    error

	entries     []store.CommandEntry
	commandsErr error
	lastLimit   int
}

func newMockDashboard() *mockDashboard {
	return &mockDashboard{bus: engine.NewBus()}
}

func (m *mockDashboard) View() (engine.ViewModel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view, m.hasView
}

func (m *mockDashboard) setView(vm engine.ViewModel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.view, m.hasView = vm, true
}

func (m *mockDashboard) Subscribe(buffer int) (<-chan engine.Event, func()) {
	ch, cancel := m.bus.Subscribe(buffer)
	if m.subscribed != nil {
		m.subscribed <- struct{}{}
	}
	return ch, cancel
}

func (m *mockDashboard) Dispatch(_ context.Context, name string, params json.RawMessage) (engine.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatched = append(m.dispatched, name)
	m.params = append(m.params, params)
	res := m.result
	res.Command = name
	return res, m.dispatchErr
}

func (m *mockDashboard) SetActive(active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = append(m.active, active)
	return m.activeErr
}

func (m *mockDashboard) Stages() []types.Stage { return m.stages }

func (m *mockDashboard) Thresholds(context.Context) (types.Thresholds, error) {
	return m.thresholds, m.thresholdsErr
}

func (m *mockDashboard) DiscordConfig(context.Context) (types.DiscordConfig, error) {
	return m.discord, m.discordErr
}

func (m *mockDashboard) DownloadLogs(context.Context) ([]byte, error) {
	return m.logs, m.logsErr
}

func (m *mockDashboard) Commands(_ context.Context, limit int) ([]store.CommandEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	return m.entries, m.commandsErr
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

var errPing = errors.New("database is locked")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, pinger Pinger, dashboard Dashboard) *httptest.Server {
	t.Helper()

	logger := discardLogger()
	srv := NewServer(config.Config{HTTPAddr: ":0"}, NewMux(pinger, dashboard, logger), logger)
	ts := httptest.NewServer(srv.Handler)

	t.Cleanup(ts.Close)
	return ts
}
