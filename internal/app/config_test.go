package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/cutting"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.LedgerStore)
	require.Equal(t, 10, cfg.WorkerConcurrency)

	svcCfg, err := cfg.LedgerConfig()
	require.NoError(t, err)
	require.Equal(t, ledger.OrderFIFO, svcCfg.CommitOrder)
	require.Equal(t, cutting.PolicyPipesFirst, svcCfg.Cutting.Policy)
	require.True(t, svcCfg.Cutting.Kerf.IsZero())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LEDGER_STORE", "MEMORY")
	t.Setenv("CUTTING_POLICY", "scrap-first")
	t.Setenv("CUTTING_KERF", "0.003")
	t.Setenv("COMMIT_ORDER", "lifo")
	t.Setenv("NODE_ID", "17")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, StoreMemory, cfg.LedgerStore)

	svcCfg, err := cfg.LedgerConfig()
	require.NoError(t, err)
	require.Equal(t, int64(17), svcCfg.NodeID)
	require.Equal(t, ledger.OrderLIFO, svcCfg.CommitOrder)
	require.Equal(t, cutting.PolicyScrapFirst, svcCfg.Cutting.Policy)
	require.Equal(t, "0.003", svcCfg.Cutting.Kerf.String())
}

func TestConfigValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"store":         func(c *Config) { c.LedgerStore = "sqlite" },
		"node id":       func(c *Config) { c.NodeID = 2048 },
		"policy":        func(c *Config) { c.CuttingPolicy = "greedy" },
		"negative kerf": func(c *Config) { c.CuttingKerf = "-0.1" },
		"order":         func(c *Config) { c.CommitOrder = "random" },
		"concurrency":   func(c *Config) { c.WorkerConcurrency = 0 },
		"state file":    func(c *Config) { c.LedgerStore = StoreMemory; c.LedgerStateFile = " " },
		"redis locks":   func(c *Config) { c.RedisLocks = true; c.RedisAddr = "" },
		"redis db":      func(c *Config) { c.RedisDB = 16 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestRedisSettingsShared(t *testing.T) {
	cfg := validConfig()
	cfg.RedisPassword = "s3cret"
	cfg.RedisDB = 4

	opts := cfg.RedisOptions()
	require.Equal(t, "127.0.0.1:6379", opts.Addr)
	require.Equal(t, "s3cret", opts.Password)
	require.Equal(t, 4, opts.DB)

	queue := cfg.QueueRedis()
	require.Equal(t, opts.Addr, queue.Addr)
	require.Equal(t, opts.Password, queue.Password)
	require.Equal(t, opts.DB, queue.DB)
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("STOCKLEDGER_DOTENV_PROBE=from-file\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("STOCKLEDGER_DOTENV_PROBE") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	require.Equal(t, "from-file", os.Getenv("STOCKLEDGER_DOTENV_PROBE"))
}

func validConfig() *Config {
	return &Config{
		AppEnv:            "test",
		LedgerStore:       StorePostgres,
		LedgerStateFile:   "ledger.json",
		NodeID:            1,
		RedisAddr:         "127.0.0.1:6379",
		CuttingPolicy:     "pipes-first",
		CuttingKerf:       "0",
		CommitOrder:       "FIFO",
		PlanConcurrency:   4,
		WorkerConcurrency: 4,
	}
}
