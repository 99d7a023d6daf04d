package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-wallet/core/aaengine"
	"github.com/AvaProtocol/ap-wallet/core/auth"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/testutil"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
)

func newTestDaemon(t *testing.T) *Daemon {
	db := testutil.TestMustDB()
	t.Cleanup(func() { storage.Destroy(db) })

	d := New(&config.Config{Networks: map[string]*config.ChainConfig{}}, testutil.GetLogger())
	d.db = db
	d.registry.MustRegister(metrics.NewGateCollector(db, aaengine.GatePrefix, nil))
	return d
}

func get(t *testing.T, d *Daemon, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	d.newHttpServer().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestUpReflectsStatus(t *testing.T) {
	d := newTestDaemon(t)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, d, "/up").Code)

	d.setStatus(runningStatus)
	rec := get(t, d, "/up")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", rec.Body.String())
}

func TestHealth(t *testing.T) {
	d := newTestDaemon(t)
	d.setStatus(runningStatus)

	rec := get(t, d, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body HttpJsonResp[healthResp]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, runningStatus, body.Data.Status)
	assert.Empty(t, body.Data.Networks)
}

func TestMetricsExposeGateFlags(t *testing.T) {
	d := newTestDaemon(t)
	gate := aaengine.NewConcurrencyGate(d.db, config.DefaultStalenessThreshold, nil)
	require.NoError(t, gate.Acquire("+14155550100", aaengine.Swap, "op"))
	d.metrics.IncOperation("swap", "confirmed")

	rec := get(t, d, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ap_gate_held{kind="swap"} 1`), body)
	assert.True(t, strings.Contains(body, `ap_operations_total{kind="swap",state="confirmed"} 1`), body)
}

func TestOperationLookup(t *testing.T) {
	d := newTestDaemon(t)

	assert.Equal(t, http.StatusNotFound, get(t, d, "/operations/missing").Code)

	op := &model.OperationRecord{ID: "01HZX", UserID: "+14155550100", Kind: "transfer", State: "confirmed"}
	data, err := op.ToJSON()
	require.NoError(t, err)
	require.NoError(t, d.db.Set([]byte(aaengine.OperationPrefix+op.ID), data))

	rec := get(t, d, "/operations/01HZX")
	require.Equal(t, http.StatusOK, rec.Code)
	var body HttpJsonResp[*model.OperationRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "confirmed", body.Data.State)
}

func TestOperationLookupRequiresAPIKey(t *testing.T) {
	d := newTestDaemon(t)
	d.config.JwtSecret = []byte("ops-secret")

	op := &model.OperationRecord{ID: "01HZY", State: "timed_out"}
	data, err := op.ToJSON()
	require.NoError(t, err)
	require.NoError(t, d.db.Set([]byte(aaengine.OperationPrefix+op.ID), data))

	srv := d.newHttpServer()
	do := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/operations/01HZY", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, do(""))

	wrong, err := auth.CreateAPIKey([]byte("other"), "ops", []auth.ApiRole{auth.ReadonlyRole}, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+wrong))

	key, err := auth.CreateAPIKey(d.config.JwtSecret, "ops", []auth.ApiRole{auth.ReadonlyRole}, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do("Bearer "+key))

	// liveness endpoints stay open
	assert.Equal(t, http.StatusOK, get(t, d, "/metrics").Code)
}
