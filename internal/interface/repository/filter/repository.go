// Package filter はルールファイルに基づく宛先遮断を実装する.
package filter

import (
	"context"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/spf13/afero"

	"filterproxy/internal/domain"
)

// Repository はフィルタエンジンのリポジトリ実装.
// ルールは不変のスナップショットとして保持し、再構築したものを
// 書き込みロック下で差し替える. 判定中の読み手は常に一貫した
// スナップショットを見る.
type Repository struct {
	fs     afero.Fs
	path   string
	logger slog.Logger
	access domain.AccessRecorder

	mu       sync.RWMutex
	rules    []domain.Rule
	modTime  time.Time
	degraded bool
}

var _ domain.FilterEngine = (*Repository)(nil)

// New は新しい Repository インスタンスを作成する.
// ルールファイルが無い場合はコメント付きの空ファイルを作成する.
func New(fs afero.Fs, path string, logger slog.Logger, access domain.AccessRecorder) *Repository {
	r := &Repository{
		fs:     fs,
		path:   path,
		logger: logger,
		access: access,
	}

	if exists, _ := afero.Exists(fs, path); !exists {
		r.writeDefaultFile()
	}
	r.maybeReload()

	return r
}

// IsBlocked は (host, port) への接続を遮断すべきか判定する.
// 判定前にルールファイルの更新時刻を確認し、変更があれば再読み込みする.
func (r *Repository) IsBlocked(host string, _ int) bool {
	r.maybeReload()

	host = strings.ToLower(host)
	addr, err := netip.ParseAddr(host)
	isIP := err == nil
	if isIP {
		addr = addr.Unmap()
	}

	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	// 先頭一致優先の O(N) 走査. 一致した時点で遮断.
	for _, rule := range rules {
		if rule.Matches(host, addr, isIP) {
			return true
		}
	}
	return false
}

// Reload はルールファイルを強制的に再読み込みする.
func (r *Repository) Reload() error {
	return r.load()
}

// RuleCount は現在のスナップショットのルール数を返す.
func (r *Repository) RuleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// maybeReload は mtime が進んでいた場合のみ再読み込みする.
func (r *Repository) maybeReload() {
	stat, err := r.fs.Stat(r.path)
	if err != nil {
		r.degrade(err)
		return
	}

	r.mu.RLock()
	changed := stat.ModTime().After(r.modTime)
	r.mu.RUnlock()
	if !changed {
		return
	}

	if err := r.load(); err != nil {
		r.degrade(err)
	}
}

func (r *Repository) load() error {
	data, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return err
	}
	stat, err := r.fs.Stat(r.path)
	if err != nil {
		return err
	}

	rules := parseRules(data)

	r.mu.Lock()
	r.rules = rules
	r.modTime = stat.ModTime()
	wasDegraded := r.degraded
	r.degraded = false
	r.mu.Unlock()

	ctx := context.Background()
	if wasDegraded {
		r.logger.Info(ctx, "rule file readable again", slog.F("path", r.path))
	}
	r.logger.Info(ctx, "loaded filter rules",
		slog.F("path", r.path),
		slog.F("rules", len(rules)))
	return nil
}

// degrade は読めないルールファイルを空のルールセットに縮退させる.
// 最初の観測時のみ ERROR レコードを1件出し、以後は全許可で運転を続ける.
func (r *Repository) degrade(cause error) {
	r.mu.Lock()
	first := !r.degraded
	r.degraded = true
	r.rules = nil
	r.modTime = time.Time{}
	r.mu.Unlock()

	if !first {
		return
	}

	r.logger.Error(context.Background(), "rule file unreadable, running permissive",
		slog.F("path", r.path), slog.Error(cause))
	if r.access != nil {
		r.access.Record(domain.Record{
			Time:    time.Now(),
			Level:   domain.LevelError,
			Verdict: domain.VerdictError,
			Reason:  "rule file " + r.path + " unreadable: " + cause.Error(),
		})
	}
}

func (r *Repository) writeDefaultFile() {
	if dir := filepath.Dir(r.path); dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return
		}
	}

	content := "# Blocked domains and IPs\n" +
		"# One entry per line\n" +
		"# Lines starting with # are comments\n"
	if err := afero.WriteFile(r.fs, r.path, []byte(content), 0o644); err != nil {
		r.logger.Warn(context.Background(), "failed to create default rule file",
			slog.F("path", r.path), slog.Error(err))
	}
}
