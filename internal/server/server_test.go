package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/coordinator"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/telemetry"
	"github.com/kimhsiao/chatsync/backend/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *Server
	coord   *coordinator.Coordinator
	backend *remote.Memory
	monitor *network.Monitor
}

func newFixture(t *testing.T, opts ...coordinator.Option) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(epoch)
	backend := remote.NewMemory(remote.WithMemoryClock(clk))
	mon := network.NewMonitor()

	coord := coordinator.New(coordinator.Deps{
		Remote:  backend,
		Network: mon,
		Store:   storage.NewMemory(),
		Clock:   clk,
	}, append([]coordinator.Option{
		coordinator.WithExecutor(func(f func()) { f() }),
		coordinator.WithJitter(func() float64 { return 0 }),
	}, opts...)...)
	_, err := coord.Start(context.Background())
	require.NoError(t, err)

	srv := New(coord, WithMonitor(mon), WithRequestLimit(0, 0))
	t.Cleanup(func() {
		srv.Close()
		coord.Close()
	})
	return &fixture{srv: srv, coord: coord, backend: backend, monitor: mon}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWith(t, method, path, body, "")
}

func (f *fixture) doWith(t *testing.T, method, path string, body interface{}, ifMatch string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

// TestHealth verifies the liveness endpoint.
func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"chatsync"}`, rec.Body.String())
}

// TestCreateChat_Online verifies an online create is written immediately.
func TestCreateChat_Online(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "Trip", "model": "gpt"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res coordinator.Result
	decode(t, rec, &res)
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.TempID)
	assert.NotEmpty(t, res.EntityID)

	_, ok := f.backend.Get(models.EntityChat, res.EntityID)
	assert.True(t, ok)
}

// TestOfflineQueueThenSync verifies changes queue offline and drain once the
// network is restored.
func TestOfflineQueueThenSync(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/network", map[string]bool{"online": false})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "Offline"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var res coordinator.Result
	decode(t, rec, &res)
	assert.True(t, res.Queued)

	rec = f.do(t, http.MethodGet, "/api/queue", nil)
	var q struct {
		Items []ItemView `json:"items"`
	}
	decode(t, rec, &q)
	require.Len(t, q.Items, 1)
	assert.Equal(t, models.OperationCreate, q.Items[0].Operation)
	assert.Equal(t, "Offline", q.Items[0].Fields["title"])

	rec = f.do(t, http.MethodGet, "/api/status", nil)
	var st coordinator.Status
	decode(t, rec, &st)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Queue.Total)

	f.do(t, http.MethodPost, "/api/network", map[string]bool{"online": true})
	rec = f.do(t, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return f.coord.Queue().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.Len(t, f.backend.List(models.EntityChat), 1)
}

// TestNetwork_Validation verifies the network toggle body and availability.
func TestNetwork_Validation(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/network", map[string]string{}).Code)

	f.srv.monitor = nil
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/network", map[string]bool{"online": true}).Code)
}

// TestMutation_Rejected verifies rejected writes map to client errors.
func TestMutation_Rejected(t *testing.T) {
	f := newFixture(t)
	f.backend.Deny(models.EntityChat)

	rec := f.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "Nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/chats/c1/messages", map[string]string{"content": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/chats", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// TestConflicts_NotFound verifies resolving an unknown conflict.
func TestConflicts_NotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/conflicts", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"strategy": "local_wins"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/conflicts/missing/resolve", map[string]string{"strategy": "manual"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestConflicts_ManualRoundTrip verifies a deferred conflict is listed and
// can be resolved over HTTP.
func TestConflicts_ManualRoundTrip(t *testing.T) {
	f := newFixture(t, coordinator.WithStrategy(models.EntityUser, conflict.ResolutionStrategyManual))
	f.backend.Seed(models.EntityUser, "u1", models.Record{
		"displayName": "Remote",
		"version":     3,
		"updatedAt":   epoch.Add(time.Hour).UnixMilli(),
	})

	rec := f.doWith(t, http.MethodPatch, "/api/users/u1", map[string]interface{}{"displayName": "Local"}, "2")
	require.Equal(t, http.StatusConflict, rec.Code)
	var body struct {
		Result coordinator.Result `json:"result"`
	}
	decode(t, rec, &body)
	require.NotEmpty(t, body.Result.ConflictID)

	rec = f.do(t, http.MethodGet, "/api/conflicts", nil)
	var conflicts []ConflictView
	decode(t, rec, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "u1", conflicts[0].EntityID)
	assert.Contains(t, conflicts[0].ConflictingFields, "displayName")

	rec = f.do(t, http.MethodPost, "/api/conflicts/"+body.Result.ConflictID+"/resolve", map[string]string{"strategy": "local_wins"})
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok := f.backend.Get(models.EntityUser, "u1")
	require.True(t, ok)
	assert.Equal(t, "Local", got["displayName"])
	assert.Zero(t, f.coord.Status().ActiveConflicts)
}

// TestIfMatch_Invalid verifies a malformed base version is rejected.
func TestIfMatch_Invalid(t *testing.T) {
	f := newFixture(t)
	rec := f.doWith(t, http.MethodPatch, "/api/chats/c1", map[string]string{"title": "x"}, "v2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestFailed_Unknown verifies retry and discard of an unknown entity.
func TestFailed_Unknown(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/failed", nil)
	assert.JSONEq(t, `{}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/failed/c1/retry", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/failed/c1", nil).Code)
}

// TestClearQueue verifies the queue can be wiped.
func TestClearQueue(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOnline(false)
	f.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "x"})
	require.Equal(t, 1, f.coord.Queue().Len())

	rec := f.do(t, http.MethodDelete, "/api/queue", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.coord.Queue().Len())
}

// TestMetrics verifies telemetry counters are exposed.
func TestMetrics(t *testing.T) {
	telemetry.Enable()
	t.Cleanup(telemetry.Disable)
	f := newFixture(t)

	f.do(t, http.MethodPost, "/api/chats", map[string]string{"title": "x"})

	rec := f.do(t, http.MethodGet, "/api/metrics", nil)
	var snap telemetry.Snapshot
	decode(t, rec, &snap)
	assert.True(t, snap.Enabled)
	assert.NotEmpty(t, snap.Counters)
}

// TestRateLimit verifies the per-IP limiter rejects bursts.
func TestRateLimit(t *testing.T) {
	h := RateLimit(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1:1000"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2:1000"))
}
