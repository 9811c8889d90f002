package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Config はプロキシ全体の設定を表す. フィールドは全て省略可能で、
// 省略時はデフォルト値が適用される.
type Config struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	ThreadPoolSize     int    `json:"thread_pool_size"`
	Backlog            int    `json:"backlog"`
	BlockedDomainsFile string `json:"blocked_domains_file"`
	LogFile            string `json:"log_file"`
	DashboardPort      int    `json:"dashboard_port"` // 0 で無効
}

// Default はデフォルト設定を返す.
func Default() *Config {
	return &Config{
		Host:               "127.0.0.1",
		Port:               8888,
		ThreadPoolSize:     10,
		Backlog:            100,
		BlockedDomainsFile: "config/blocked_domains.txt",
		LogFile:            "logs/proxy.log",
	}
}

// Load は JSON 設定ファイルを読み込む. ファイルが存在しない場合は
// デフォルト設定を書き出してそれを返す. 解析不能な JSON はエラー.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := writeDefault(fs, path, cfg); werr != nil {
				return nil, werr
			}
			return cfg, nil
		}
		return nil, xerrors.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, xerrors.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func writeDefault(fs afero.Fs, path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return xerrors.Errorf("create config dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return xerrors.Errorf("marshal default config: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return xerrors.Errorf("write default config %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return xerrors.Errorf("invalid port %d", c.Port)
	}
	if c.ThreadPoolSize < 1 {
		return xerrors.Errorf("invalid thread_pool_size %d", c.ThreadPoolSize)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return xerrors.Errorf("invalid dashboard_port %d", c.DashboardPort)
	}
	return nil
}
