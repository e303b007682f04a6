package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/caleberi/hermes-dfs/bufferpool"
	"github.com/caleberi/hermes-dfs/replicator"
	"github.com/caleberi/hermes-dfs/rpc_struct"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dropSink struct{}

func (dropSink) SubmitOpResponse(op *rpc_struct.ReplicateChunkOp) {}

func setupGateway(t *testing.T) *AdminGateway {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := replicator.NewManager(replicator.Options{
		Buffers:  bufferpool.NewManager(1<<20, 1<<20),
		Sink:     dropSink{},
		MetaHost: "127.0.0.1",
	})
	gw, err := NewAdminGateway(engine, DefaultGatewayConfig())
	require.NoError(t, err)
	return gw
}

func doRequest(gw *AdminGateway, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestListReplications(t *testing.T) {
	gw := setupGateway(t)
	rec := doRequest(gw, http.MethodGet, "/v1/replications")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		InFlight int              `json:"inFlight"`
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body.InFlight)
	assert.Contains(t, body.Counters, "replicationCount")
	assert.Contains(t, body.Counters, "recoveryCanceledCount")
}

func TestCountersReport(t *testing.T) {
	gw := setupGateway(t)
	rec := doRequest(gw, http.MethodGet, "/v1/replications/report")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "replicationCount")
	assert.Contains(t, rec.Body.String(), "recoveryErrorCount")
}

func TestCancelEndpoints(t *testing.T) {
	gw := setupGateway(t)

	rec := doRequest(gw, http.MethodDelete, "/v1/replications/not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(gw, http.MethodDelete, "/v1/replications/5")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(gw, http.MethodDelete, "/v1/replications/5?targetVersion=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(gw, http.MethodDelete, "/v1/replications")
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Zero(t, body["cancelled"])
}

func TestGatewayConfigValidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := replicator.NewManager(replicator.Options{
		Buffers: bufferpool.NewManager(1<<20, 1<<20),
		Sink:    dropSink{},
	})
	cfg := DefaultGatewayConfig()
	cfg.Address = 0
	_, err := NewAdminGateway(engine, cfg)
	assert.Error(t, err)
}
