package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	cfg, err := Load(fs, "config/proxy_config.json")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, 10, cfg.ThreadPoolSize)
	assert.Equal(t, 100, cfg.Backlog)
	assert.Equal(t, "config/blocked_domains.txt", cfg.BlockedDomainsFile)
	assert.Equal(t, "logs/proxy.log", cfg.LogFile)
	assert.Equal(t, 0, cfg.DashboardPort)

	// 存在しなかった場合はデフォルトが書き出されること.
	exists, err := afero.Exists(fs, "config/proxy_config.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLoadPartialOverride(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	content := `{"port": 18888, "thread_pool_size": 4}`
	require.NoError(t, afero.WriteFile(fs, "proxy.json", []byte(content), 0o644))

	cfg, err := Load(fs, "proxy.json")
	require.NoError(t, err)

	assert.Equal(t, 18888, cfg.Port)
	assert.Equal(t, 4, cfg.ThreadPoolSize)
	// 省略フィールドはデフォルトのまま.
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "logs/proxy.log", cfg.LogFile)
}

func TestLoadInvalidJSON(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "proxy.json", []byte("{not json"), 0o644))

	_, err := Load(fs, "proxy.json")
	require.Error(t, err)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		content string
	}{
		{"port out of range", `{"port": 123456}`},
		{"zero pool size", `{"thread_pool_size": 0}`},
		{"negative dashboard port", `{"dashboard_port": -1}`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "proxy.json", []byte(tc.content), 0o644))

			_, err := Load(fs, "proxy.json")
			require.Error(t, err)
		})
	}
}
