package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/jobs"
)

func memoryConfig(t *testing.T) *Config {
	t.Helper()
	cfg := validConfig()
	cfg.LedgerStore = StoreMemory
	cfg.LedgerStateFile = filepath.Join(t.TempDir(), "ledger.json")
	cfg.RedisAddr = ""
	cfg.PlanStashTTL = time.Hour
	return cfg
}

func TestBootstrapMemoryStorePersistsAcrossRuns(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()
	logger := NewLogger(nil, io.Discard)

	rt, err := Bootstrap(ctx, cfg, logger, RuntimeOptions{})
	require.NoError(t, err)
	require.Nil(t, rt.Pool)
	require.Nil(t, rt.Redis)
	require.Nil(t, rt.Jobs)

	_, err = rt.Gateway.Receive(ctx, ledger.ReceiptForm{
		MaterialID: "AL-6063", Length: "6", Quantity: "10", ActualWeight: "52.4", UnitCost: "120",
	})
	require.NoError(t, err)
	require.NoError(t, rt.Persist())
	rt.Close()

	cfg.NodeID = 2
	reopened, err := Bootstrap(ctx, cfg, logger, RuntimeOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	summary, err := reopened.Service.Summarize(ctx, "AL-6063")
	require.NoError(t, err)
	require.Equal(t, "10", summary.TotalQuantity.String())
	require.Equal(t, "1200", summary.TotalCost.String())
}

func TestBootstrapMemoryStoreKeepsStashedPlans(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()
	logger := NewLogger(nil, io.Discard)

	rt, err := Bootstrap(ctx, cfg, logger, RuntimeOptions{})
	require.NoError(t, err)
	_, err = rt.Gateway.Receive(ctx, ledger.ReceiptForm{
		MaterialID: "AL-6063", Length: "6", Quantity: "10", ActualWeight: "52.4", UnitCost: "120",
	})
	require.NoError(t, err)
	plan, err := rt.Gateway.RequestConsumption(ctx, ledger.ConsumptionForm{MaterialID: "AL-6063", Required: "4"})
	require.NoError(t, err)
	require.NoError(t, rt.Persist())
	rt.Close()

	cfg.NodeID = 2
	reopened, err := Bootstrap(ctx, cfg, logger, RuntimeOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	txs, err := reopened.Gateway.CommitPlan(ctx, ledger.CommitForm{PlanID: plan.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	summary, err := reopened.Service.Summarize(ctx, "AL-6063")
	require.NoError(t, err)
	require.Equal(t, "6", summary.TotalQuantity.String())
}

func TestBootstrapWithRedisUsesSharedStash(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := memoryConfig(t)
	cfg.RedisAddr = mr.Addr()
	cfg.RedisLocks = true
	ctx := context.Background()
	publisher := &ledger.MemoryPublisher{}

	rt, err := Bootstrap(ctx, cfg, NewLogger(nil, io.Discard), RuntimeOptions{Redis: client, Publisher: publisher})
	require.NoError(t, err)
	defer rt.Close()
	require.NoError(t, rt.Ping(ctx))

	_, err = rt.Gateway.Receive(ctx, ledger.ReceiptForm{
		MaterialID: "GL-6MM", Category: "glass", Quantity: "8", ActualWeight: "120", UnitCost: "45",
	})
	require.NoError(t, err)
	plan, err := rt.Gateway.RequestConsumption(ctx, ledger.ConsumptionForm{MaterialID: "GL-6MM", Required: "3"})
	require.NoError(t, err)
	require.True(t, mr.Exists("ledger:consumption_plan:"+plan.ID))

	txs, err := rt.Gateway.CommitPlan(ctx, ledger.CommitForm{PlanID: plan.ID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Len(t, publisher.Events(), 2)
}

func TestBootstrapRequiresRedisForSharedLocks(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"
	cfg.RedisLocks = true
	_, err := Bootstrap(context.Background(), cfg, NewLogger(nil, io.Discard), RuntimeOptions{})
	require.Error(t, err)

	cfg.RedisLocks = false
	rt, err := Bootstrap(context.Background(), cfg, NewLogger(nil, io.Discard), RuntimeOptions{})
	require.NoError(t, err)
	defer rt.Close()
	require.Nil(t, rt.Redis)
}

func TestOpsRouter(t *testing.T) {
	rt, err := Bootstrap(context.Background(), memoryConfig(t), NewLogger(nil, io.Discard), RuntimeOptions{})
	require.NoError(t, err)
	defer rt.Close()

	ready := error(nil)
	router := NewRouter(RouterParams{
		Logger:     rt.Logger,
		Metrics:    rt.Metrics,
		JobHandler: jobs.NewHandler(nil, rt.Logger),
		Ready:      func(ctx context.Context) error { return ready },
	})
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	health := get("/healthz")
	require.Equal(t, http.StatusOK, health.Code)
	require.Equal(t, "nosniff", health.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", health.Header().Get("X-Frame-Options"))
	require.Equal(t, http.StatusOK, get("/readyz").Code)
	require.Equal(t, http.StatusOK, get("/jobs/health").Code)

	ready = context.DeadlineExceeded
	require.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	metrics := get("/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	require.True(t, strings.Contains(metrics.Body.String(), "stockledger_http_requests_total"))
}

func TestOpsRouterRedirectsToHTTPSInProduction(t *testing.T) {
	router := NewRouter(RouterParams{
		Logger:     NewLogger(nil, io.Discard),
		Metrics:    observability.NewMetrics(),
		Production: true,
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://ops.example/healthz", nil))
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://ops.example/healthz", rec.Header().Get("Location"))

	req := httptest.NewRequest(http.MethodGet, "http://ops.example/healthz", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
