package domain

import "time"

// Level はログレベルを表す.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Verdict はトランザクションの終端判定を表す.
type Verdict string

const (
	VerdictAllowed Verdict = "ALLOWED"
	VerdictBlocked Verdict = "BLOCKED"
	VerdictError   Verdict = "ERROR"
)

// Record はアクセスログの1レコードを表す.
// Verdict が空のレコードは Message のみの情報行として扱う.
type Record struct {
	Time        time.Time
	Level       Level
	Verdict     Verdict
	ClientAddr  string // ip:port
	Destination string // host:port
	RequestLine string
	Status      string // 上流ステータスコード. ALLOWED のときのみ
	Bytes       int64  // クライアントへ中継したバイト数
	Reason      string // ERROR のときの自由記述
	Message     string // 情報行
}

// AccessRecorder はトランザクション終端ごとに1レコードを追記する.
// 実装は追記を直列化し、I/O エラー時はレコードを破棄してブロックしない.
type AccessRecorder interface {
	Record(rec Record)
}
