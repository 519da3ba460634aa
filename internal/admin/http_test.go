package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/relayqueue/rqd/internal/broker"
	"github.com/relayqueue/rqd/internal/message"
)

type fakeBroker struct {
	stats  broker.Stats
	queues []broker.QueueInfo
}

func (f *fakeBroker) Stats() broker.Stats          { return f.stats }
func (f *fakeBroker) Queues() []broker.QueueInfo   { return f.queues }

func newTestEngine(b BrokerStats) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	RegisterRoutes(engine, b, logger)
	return engine
}

func TestHealthzReportsOK(t *testing.T) {
	engine := newTestEngine(&fakeBroker{})
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestStatsReturnsSnapshot(t *testing.T) {
	fb := &fakeBroker{stats: broker.Stats{Connections: 3, Queues: 2, MessagesUsed: 5, MessagesCap: 64}}
	engine := newTestEngine(fb)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got broker.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, fb.stats, got)
}

func TestQueuesListsEveryQueue(t *testing.T) {
	fb := &fakeBroker{queues: []broker.QueueInfo{
		{Name: "work", QID: 1, Ready: 2},
		{Name: "alerts", QID: 2, Exclusive: true},
	}}
	engine := newTestEngine(fb)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/queues", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got []broker.QueueInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 2)
}

func TestQueueByNameFound(t *testing.T) {
	fb := &fakeBroker{queues: []broker.QueueInfo{{Name: "work", QID: message.QueueID(7)}}}
	engine := newTestEngine(fb)
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/queues/work", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got broker.QueueInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, message.QueueID(7), got.QID)
}

func TestQueueByNameNotFound(t *testing.T) {
	engine := newTestEngine(&fakeBroker{})
	rr := httptest.NewRecorder()
	engine.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/queues/missing", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
