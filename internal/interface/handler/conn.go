package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"cdr.dev/slog/v3"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"filterproxy/internal/domain"
	"filterproxy/internal/interface/parser"
	"filterproxy/internal/usecase"
)

const defaultReadTimeout = 30 * time.Second

// ConnHandler は1クライアント接続のライフサイクルを処理する.
// 終端遷移ごとにアクセスログへちょうど1レコードを書く.
type ConnHandler struct {
	proxyUseCase *usecase.ProxyUseCase
	accessLog    domain.AccessRecorder
	metrics      domain.MetricsCollector
	logger       slog.Logger
	readTimeout  time.Duration
}

// NewConnHandler は新しい ConnHandler インスタンスを作成する.
func NewConnHandler(
	proxyUseCase *usecase.ProxyUseCase,
	accessLog domain.AccessRecorder,
	metrics domain.MetricsCollector,
	logger slog.Logger,
) *ConnHandler {
	return &ConnHandler{
		proxyUseCase: proxyUseCase,
		accessLog:    accessLog,
		metrics:      metrics,
		logger:       logger,
		readTimeout:  defaultReadTimeout,
	}
}

// Handle は接続を受理から終端まで進める. 失敗はこの接続に閉じ込め、
// 呼び出し側には決して伝播させない.
func (h *ConnHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	logger := h.logger.With(slog.F("conn_id", uuid.NewString()))
	clientAddr := conn.RemoteAddr().String()

	rec := domain.Record{
		Time:       time.Now(),
		ClientAddr: clientAddr,
	}

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	br := bufio.NewReaderSize(conn, 4096)

	req, err := parser.ReadRequest(br)
	if err != nil {
		h.finishParseFailure(conn, rec, err, logger)
		return
	}
	// 以降の読み書きは各操作が個別に期限を設定する.
	conn.SetReadDeadline(time.Time{})

	h.metrics.RecordRequest()
	rec.Destination = req.Destination()
	rec.RequestLine = req.RequestLine()

	if !h.proxyUseCase.CheckAccess(req.Host, req.Port) {
		writeForbidden(conn)
		rec.Level = domain.LevelWarning
		rec.Verdict = domain.VerdictBlocked
		h.accessLog.Record(rec)
		logger.Debug(ctx, "blocked",
			slog.F("host", req.Host), slog.F("port", req.Port))
		return
	}

	if req.IsConnect {
		h.handleTunnel(ctx, conn, br, req, rec, logger)
		return
	}
	h.handleForward(ctx, conn, br, req, rec, logger)
}

func (h *ConnHandler) handleForward(
	ctx context.Context,
	conn net.Conn,
	br *bufio.Reader,
	req *domain.Request,
	rec domain.Record,
	logger slog.Logger,
) {
	res, err := h.proxyUseCase.HandleForward(ctx, conn, br, req)
	if err != nil {
		kind := domain.KindOf(err)
		if shouldRespond(kind) && (res == nil || !res.WroteResponse) {
			writeErrorStatus(conn, statusForKind(kind))
		}
		h.finishError(rec, kind, err, logger)
		return
	}

	rec.Level = domain.LevelInfo
	rec.Verdict = domain.VerdictAllowed
	rec.Status = res.Status
	rec.Bytes = res.Bytes
	h.accessLog.Record(rec)
}

func (h *ConnHandler) handleTunnel(
	ctx context.Context,
	conn net.Conn,
	br *bufio.Reader,
	req *domain.Request,
	rec domain.Record,
	logger slog.Logger,
) {
	res, err := h.proxyUseCase.HandleTunnel(ctx, conn, br, req)
	if err != nil {
		kind := domain.KindOf(err)
		// 確立応答の後はクライアントがすでに 200 を受け取っているため
		// エラー応答は送らない.
		if shouldRespond(kind) && !res.Acked {
			writeErrorStatus(conn, statusForKind(kind))
		}
		h.finishError(rec, kind, err, logger)
		return
	}

	rec.Level = domain.LevelInfo
	rec.Verdict = domain.VerdictAllowed
	rec.Status = "200"
	rec.Bytes = res.BytesOut
	h.accessLog.Record(rec)
}

// finishParseFailure はリクエストを解釈できなかった接続を終端する.
func (h *ConnHandler) finishParseFailure(
	conn net.Conn, rec domain.Record, err error, logger slog.Logger,
) {
	kind := domain.KindMalformedRequest
	switch {
	case err == io.EOF:
		kind = domain.KindClientIO
	case isTimeout(err):
		kind = domain.KindClientIO
	case xerrors.Is(err, parser.ErrMissingHost):
		kind = domain.KindMissingHost
		writeErrorStatus(conn, 400)
	default:
		writeErrorStatus(conn, 400)
	}
	h.metrics.RecordRequest()
	h.finishError(rec, kind, err, logger)
}

func (h *ConnHandler) finishError(
	rec domain.Record, kind domain.ErrorKind, err error, logger slog.Logger,
) {
	h.metrics.RecordError()

	rec.Level = domain.LevelError
	rec.Verdict = domain.VerdictError
	rec.Reason = string(kind)
	var te *domain.TransactionError
	if xerrors.As(err, &te) && te.Err != nil {
		rec.Reason = fmt.Sprintf("%s: %v", kind, te.Err)
	} else if err != nil {
		rec.Reason = fmt.Sprintf("%s: %v", kind, err)
	}
	h.accessLog.Record(rec)

	logger.Debug(context.Background(), "transaction failed",
		slog.F("kind", string(kind)), slog.Error(err))
}

func isTimeout(err error) bool {
	var ne net.Error
	return xerrors.As(err, &ne) && ne.Timeout()
}

// shouldRespond はエラー応答を送るべき分類か判定する.
// 協調キャンセルとクライアント消失は黙って切断する.
func shouldRespond(kind domain.ErrorKind) bool {
	return kind != domain.KindShutdown && kind != domain.KindClientIO
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindUpstreamConnect, domain.KindUpstreamIO:
		return 502
	case domain.KindUpstreamTimeout:
		return 504
	default:
		return 400
	}
}

var statusText = map[int]string{
	400: "Bad Request",
	403: "Forbidden",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}

// writeErrorStatus は完全な HTTP/1.1 エラー応答を書く.
func writeErrorStatus(conn net.Conn, status int) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		status, statusText[status])
}

// writeForbidden は遮断応答を書く.
func writeForbidden(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	body := "Access Denied"
	fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\n"+
		"Content-Type: text/plain\r\n"+
		"Content-Length: %d\r\n"+
		"Connection: close\r\n\r\n%s", len(body), body)
}
