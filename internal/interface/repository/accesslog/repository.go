// Package accesslog はトランザクションごとの固定書式レコードを
// ログファイルへ追記する.
package accesslog

import (
	"context"
	"io"
	"path/filepath"
	"sync"

	"cdr.dev/slog/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"filterproxy/internal/domain"
)

// Repository はアクセスログのリポジトリ実装.
// 追記はミューテックスで直列化され、呼び出し側が部分書き込みを
// 交錯させることはない. 書き込みエラー時はレコードを破棄して
// 呼び出し側をブロックしない.
type Repository struct {
	mu     sync.Mutex
	sink   io.WriteCloser
	logger slog.Logger
}

var _ domain.AccessRecorder = (*Repository)(nil)

// New は新しい Repository インスタンスを作成する.
// ローテーションは lumberjack に委ねる.
func New(path string, logger slog.Logger) *Repository {
	return &Repository{
		sink: &lumberjack.Logger{
			Filename:   filepath.Clean(path),
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     7, // days
		},
		logger: logger,
	}
}

// NewWithSink はテスト用に任意のシンクを差し込む.
func NewWithSink(sink io.WriteCloser, logger slog.Logger) *Repository {
	return &Repository{sink: sink, logger: logger}
}

// Record はレコードを1行追記する.
func (r *Repository) Record(rec domain.Record) {
	line := formatRecord(rec)

	r.mu.Lock()
	_, err := r.sink.Write([]byte(line))
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn(context.Background(), "dropped access log record", slog.Error(err))
	}
}

// Close はログファイルを閉じる.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink.Close()
}
