package accesslog

import (
	"fmt"
	"strings"

	"filterproxy/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// formatRecord はレコードを1行のテキストに変換する.
//
//	ALLOWED: VERDICT | client -> host:port | request line | status | N bytes
//	BLOCKED: VERDICT | client -> host:port | request line
//	ERROR:   VERDICT | client -> host:port | request line | reason
//
// Verdict の無いレコードは Message をそのまま書く.
func formatRecord(rec domain.Record) string {
	var b strings.Builder

	b.WriteString(rec.Time.Format(timeLayout))
	b.WriteString(" - ")
	b.WriteString(string(rec.Level))
	b.WriteString(" - ")

	if rec.Verdict == "" {
		b.WriteString(rec.Message)
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(string(rec.Verdict))
	if rec.ClientAddr != "" || rec.Destination != "" {
		fmt.Fprintf(&b, " | %s -> %s", rec.ClientAddr, rec.Destination)
	}
	if rec.RequestLine != "" {
		b.WriteString(" | ")
		b.WriteString(rec.RequestLine)
	}

	switch rec.Verdict {
	case domain.VerdictAllowed:
		fmt.Fprintf(&b, " | %s | %d bytes", rec.Status, rec.Bytes)
	case domain.VerdictError:
		if rec.Reason != "" {
			b.WriteString(" | ")
			b.WriteString(rec.Reason)
		}
	}

	b.WriteString("\n")
	return b.String()
}
