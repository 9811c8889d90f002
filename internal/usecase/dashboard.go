package usecase

import (
	"os"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"filterproxy/internal/domain"
)

// DashboardUseCase はダッシュボード向けの参照系ユースケースを実装する.
// アクセスログファイルを読むだけで、コアと状態を共有しない.
type DashboardUseCase struct {
	fs      afero.Fs
	logPath string
	metrics domain.MetricsCollector
}

// NewDashboardUseCase は新しい DashboardUseCase インスタンスを作成する.
func NewDashboardUseCase(
	fs afero.Fs, logPath string, metrics domain.MetricsCollector,
) *DashboardUseCase {
	return &DashboardUseCase{
		fs:      fs,
		logPath: logPath,
		metrics: metrics,
	}
}

// LogView はダッシュボードに表示する1レコードを表す.
type LogView struct {
	Timestamp   string `json:"timestamp"`
	Level       string `json:"level"`
	Verdict     string `json:"verdict,omitempty"`
	Client      string `json:"client,omitempty"`
	Destination string `json:"destination,omitempty"`
	RequestLine string `json:"request_line,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// TailLogs はアクセスログの末尾 limit 件を新しい順に返す.
func (uc *DashboardUseCase) TailLogs(limit int) ([]LogView, error) {
	lines, err := uc.readLines()
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 100
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}

	views := make([]LogView, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		if v, ok := parseLogLine(lines[i]); ok {
			views = append(views, v)
		}
	}
	return views, nil
}

// DashboardStats はログ全体の集計を表す.
type DashboardStats struct {
	Total   int `json:"total"`
	Allowed int `json:"allowed"`
	Blocked int `json:"blocked"`
	Errors  int `json:"errors"`
}

// Stats はアクセスログを走査して判定別の件数を集計する.
func (uc *DashboardUseCase) Stats() (*DashboardStats, error) {
	lines, err := uc.readLines()
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{}
	for _, line := range lines {
		v, ok := parseLogLine(line)
		if !ok || v.Verdict == "" {
			continue
		}
		stats.Total++
		switch domain.Verdict(v.Verdict) {
		case domain.VerdictAllowed:
			stats.Allowed++
		case domain.VerdictBlocked:
			stats.Blocked++
		case domain.VerdictError:
			stats.Errors++
		}
	}
	return stats, nil
}

// Status は実行時メトリクスのスナップショットを返す.
func (uc *DashboardUseCase) Status() *domain.MetricsSnapshot {
	return uc.metrics.GetSnapshot()
}

func (uc *DashboardUseCase) readLines() ([]string, error) {
	data, err := afero.ReadFile(uc.fs, uc.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("read access log %s: %w", uc.logPath, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	return lines, nil
}

// parseLogLine はアクセスログの1行を表示用に分解する.
// 書式は "TS - LEVEL - VERDICT | client -> dest | request line | ..." で、
// 判定の無い情報行は Detail にそのまま入る.
func parseLogLine(line string) (LogView, bool) {
	parts := strings.SplitN(line, " - ", 3)
	if len(parts) != 3 {
		return LogView{}, false
	}

	v := LogView{
		Timestamp: parts[0],
		Level:     parts[1],
	}

	fields := strings.Split(parts[2], " | ")
	switch domain.Verdict(fields[0]) {
	case domain.VerdictAllowed, domain.VerdictBlocked, domain.VerdictError:
		v.Verdict = fields[0]
	default:
		v.Detail = parts[2]
		return v, true
	}

	if len(fields) > 1 {
		if arrow := strings.SplitN(fields[1], " -> ", 2); len(arrow) == 2 {
			v.Client = arrow[0]
			v.Destination = arrow[1]
		}
	}
	if len(fields) > 2 {
		v.RequestLine = fields[2]
	}
	if len(fields) > 3 {
		v.Detail = strings.Join(fields[3:], " | ")
	}
	return v, true
}
