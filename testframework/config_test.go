package testframework

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swapnet.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout_seconds = 30
swapd_path = "/opt/swapd"
postgres_tag = "15"

[swapd]
lock_time = 144
`), 0o644))

	t.Setenv("SWAPNET_CONFIG", "")
	t.Setenv("SWAPNET_TIMEOUT_SECONDS", "")
	t.Setenv("SLOW_MACHINE", "")
	t.Setenv("POSTGRES_TAG", "17")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, "/opt/swapd", cfg.SwapdPath)
	assert.Equal(t, "17", cfg.PostgresTag, "environment overrides the file")
	assert.Equal(t, "bitcoind", cfg.BitcoindPath)
	assert.EqualValues(t, 144, cfg.Swapd.LockTime)
	assert.EqualValues(t, 4_000_000, cfg.Swapd.MaxSwapAmountSat, "unset keys keep defaults")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("timeout_seconds = ["), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, "toml.Unmarshal")
}

func TestConfig_MergeEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.mergeEnv(lookupFrom(map[string]string{
		"LIGHTNINGD_PATH": "/usr/local/bin/lightningd",
		"LND_PATH":        "",
		"SLOW_MACHINE":    "1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/lightningd", cfg.LightningdPath)
	assert.Equal(t, "lnd", cfg.LndPath, "empty values are ignored")
	assert.Equal(t, 420*time.Second, cfg.Timeout())

	err = cfg.mergeEnv(lookupFrom(map[string]string{"SWAPNET_TIMEOUT_SECONDS": "12"}))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, cfg.Timeout())

	err = cfg.mergeEnv(lookupFrom(map[string]string{"SWAPNET_TIMEOUT_SECONDS": "soon"}))
	assert.ErrorContains(t, err, "SWAPNET_TIMEOUT_SECONDS")
}

func TestWriteConfig_ReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitcoin.conf")
	err := WriteConfig(path,
		map[string]string{"rpcuser": "rpcuser", "regtest": "1"},
		map[string]string{"rpcport": "18443", "rpcuser": "override"},
		"regtest",
	)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "regtest=1\nrpcuser=rpcuser\n[regtest]\nrpcport=18443\nrpcuser=override\n", string(data))

	conf, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"regtest": "1",
		"rpcport": "18443",
		"rpcuser": "override",
	}, conf)
}

func TestMergeMaps(t *testing.T) {
	base := map[string]string{"a": "1", "b": "2"}
	out := mergeMaps(base, map[string]string{"b": "3"}, nil, map[string]string{"c": "4"})

	assert.Equal(t, map[string]string{"a": "1", "b": "3", "c": "4"}, out)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, base)
	assert.NotNil(t, mergeMaps(nil))
}
