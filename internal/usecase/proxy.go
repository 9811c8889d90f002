package usecase

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"filterproxy/internal/domain"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultIOTimeout   = 30 * time.Second

	forwardBufferSize = 8 * 1024
	tunnelBufferSize  = 32 * 1024
)

// connectEstablished は CONNECT 応答としてクライアントへ送る唯一のバイト列.
var connectEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")

// Timeouts は上流接続と I/O のタイムアウト設定. ゼロ値はデフォルトを使う.
type Timeouts struct {
	Dial time.Duration
	IO   time.Duration
}

// ProxyUseCase はプロキシの主要なユースケースを実装する.
type ProxyUseCase struct {
	filter      domain.FilterEngine
	metrics     domain.MetricsCollector
	logger      slog.Logger
	dialTimeout time.Duration
	ioTimeout   time.Duration
}

// NewProxyUseCase は新しい ProxyUseCase インスタンスを作成する.
func NewProxyUseCase(
	filter domain.FilterEngine,
	metrics domain.MetricsCollector,
	logger slog.Logger,
	timeouts Timeouts,
) *ProxyUseCase {
	if timeouts.Dial == 0 {
		timeouts.Dial = defaultDialTimeout
	}
	if timeouts.IO == 0 {
		timeouts.IO = defaultIOTimeout
	}

	return &ProxyUseCase{
		filter:      filter,
		metrics:     metrics,
		logger:      logger,
		dialTimeout: timeouts.Dial,
		ioTimeout:   timeouts.IO,
	}
}

// CheckAccess は宛先への接続可否を判定する.
func (uc *ProxyUseCase) CheckAccess(host string, port int) bool {
	if uc.filter.IsBlocked(host, port) {
		uc.metrics.RecordBlockedRequest()
		return false
	}
	return true
}

// ForwardResult は HTTP 転送の結果を表す.
type ForwardResult struct {
	Status        string
	Bytes         int64 // クライアントへ中継した応答バイト数
	WroteResponse bool  // 応答バイトが1バイトでもクライアントへ到達したか
}

// HandleForward は CONNECT 以外のリクエストを上流へ転送し、応答を
// クライアントへ中継する. br はヘッダ終端より後のバイト列
// (パイプライン化されたボディ) を保持していることがある.
func (uc *ProxyUseCase) HandleForward(
	ctx context.Context,
	clientConn net.Conn,
	br *bufio.Reader,
	req *domain.Request,
) (*ForwardResult, error) {
	upstream, err := uc.dial(ctx, req)
	if err != nil {
		return nil, err
	}
	defer upstream.Close()

	stop := watchContext(ctx, clientConn, upstream)
	defer stop()

	res := &ForwardResult{Status: "000"}

	// リクエストターゲットを origin-form に書き換えて送る.
	// ヘッダブロックはバイト単位で保存される.
	prefix := buildUpstreamPrefix(req)
	upstream.SetWriteDeadline(time.Now().Add(uc.ioTimeout))
	if _, err := upstream.Write(prefix); err != nil {
		return res, uc.classifyUpstream(ctx, req, err, res)
	}

	bodyDone, err := uc.relayRequestBody(clientConn, upstream, br, req)
	if err != nil {
		if ctx.Err() != nil {
			return res, domain.NewTransactionError(domain.KindShutdown, req.Host, err)
		}
		return res, domain.NewTransactionError(domain.KindClientIO, req.Host, err)
	}

	if err := uc.relayResponse(clientConn, upstream, req, res); err != nil {
		return res, err
	}

	if bodyDone != nil {
		// chunked ボディの中継を打ち切る. 応答完了後のボディは読まない.
		// クライアント側の読み込みを期限切れにして転送ゴルーチンを起こす.
		upstream.Close()
		clientConn.SetReadDeadline(time.Now())
		<-bodyDone
		clientConn.SetReadDeadline(time.Time{})
	}

	uc.metrics.AddBytesTransferred(res.Bytes)
	return res, nil
}

// relayRequestBody はクライアントのリクエストボディを上流へ送る.
// Content-Length があれば宣言長まで中継する. Transfer-Encoding: chunked は
// 長さが分からないため応答の中継と並行して送り続ける. どちらでもない
// リクエストのボディは空とみなす.
func (uc *ProxyUseCase) relayRequestBody(
	clientConn, upstream net.Conn, br *bufio.Reader, req *domain.Request,
) (<-chan struct{}, error) {
	if length := contentLength(req); length > 0 {
		clientConn.SetReadDeadline(time.Now().Add(uc.ioTimeout))
		upstream.SetWriteDeadline(time.Now().Add(uc.ioTimeout))
		if _, err := io.CopyN(upstream, br, length); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if isChunked(req) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			buf := make([]byte, forwardBufferSize)
			io.CopyBuffer(upstream, br, buf)
			closeWrite(upstream)
		}()
		return done, nil
	}

	return nil, nil
}

// relayResponse は上流応答をそのままのバイト列でクライアントへ中継する.
func (uc *ProxyUseCase) relayResponse(
	clientConn, upstream net.Conn, req *domain.Request, res *ForwardResult,
) error {
	buf := make([]byte, forwardBufferSize)
	for {
		upstream.SetReadDeadline(time.Now().Add(uc.ioTimeout))
		n, rerr := upstream.Read(buf)

		if n > 0 {
			if !res.WroteResponse {
				res.Status = statusFromChunk(buf[:n])
			}
			clientConn.SetWriteDeadline(time.Now().Add(uc.ioTimeout))
			if _, werr := clientConn.Write(buf[:n]); werr != nil {
				return domain.NewTransactionError(domain.KindClientIO, req.Host, werr)
			}
			res.WroteResponse = true
			res.Bytes += int64(n)
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			kind := domain.KindUpstreamIO
			if isTimeout(rerr) {
				kind = domain.KindUpstreamTimeout
			}
			return domain.NewTransactionError(kind, req.Host, rerr)
		}
	}
}

// TunnelResult は CONNECT トンネルの結果を表す.
type TunnelResult struct {
	BytesIn  int64 // クライアント → 上流
	BytesOut int64 // 上流 → クライアント
	Acked    bool  // 200 Connection Established 送信済みか
}

// HandleTunnel は CONNECT トンネルを処理する. 2つの転送方向は独立に
// 動き、片方向の EOF は書き込み側のみを half-close する. 両方向が
// 閉じたときにハンドラが戻る.
func (uc *ProxyUseCase) HandleTunnel(
	ctx context.Context,
	clientConn net.Conn,
	br *bufio.Reader,
	req *domain.Request,
) (*TunnelResult, error) {
	res := &TunnelResult{}

	upstream, err := uc.dial(ctx, req)
	if err != nil {
		return res, err
	}
	defer upstream.Close()

	if _, err := clientConn.Write(connectEstablished); err != nil {
		return res, domain.NewTransactionError(domain.KindClientIO, req.Host, err)
	}
	res.Acked = true

	var (
		wg       sync.WaitGroup
		bytesIn  int64
		bytesOut int64
		errMu    sync.Mutex
		firstErr *domain.TransactionError
	)

	recordErr := func(kind domain.ErrorKind, err error) {
		if err == nil || isClosedConn(err) {
			return
		}
		uc.logger.Debug(context.Background(), "tunnel copy failed",
			slog.F("host", req.Host), slog.Error(err))
		errMu.Lock()
		if firstErr == nil {
			firstErr = domain.NewTransactionError(kind, req.Host, err)
		}
		errMu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		// br はヘッダ終端より後に先読みしたバイト列を持っていることがある.
		n, err := io.CopyBuffer(upstream, br, make([]byte, tunnelBufferSize))
		atomic.StoreInt64(&bytesIn, n)
		recordErr(domain.KindClientIO, err)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		n, err := io.CopyBuffer(clientConn, upstream, make([]byte, tunnelBufferSize))
		atomic.StoreInt64(&bytesOut, n)
		recordErr(domain.KindUpstreamIO, err)
		closeWrite(clientConn)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		clientConn.Close()
		upstream.Close()
		<-done
		res.BytesIn = atomic.LoadInt64(&bytesIn)
		res.BytesOut = atomic.LoadInt64(&bytesOut)
		uc.metrics.AddBytesTransferred(res.BytesIn + res.BytesOut)
		return res, domain.NewTransactionError(domain.KindShutdown, req.Host, ctx.Err())
	case <-done:
	}

	res.BytesIn = atomic.LoadInt64(&bytesIn)
	res.BytesOut = atomic.LoadInt64(&bytesOut)
	uc.metrics.AddBytesTransferred(res.BytesIn + res.BytesOut)

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil {
		return res, firstErr
	}
	return res, nil
}

// dial は上流へ TCP 接続する.
func (uc *ProxyUseCase) dial(ctx context.Context, req *domain.Request) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: uc.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", req.DialAddr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewTransactionError(domain.KindShutdown, req.Host, err)
		}
		kind := domain.KindUpstreamConnect
		if isTimeout(err) {
			kind = domain.KindUpstreamTimeout
		}
		return nil, domain.NewTransactionError(kind, req.Host, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return conn, nil
}

func (uc *ProxyUseCase) classifyUpstream(
	ctx context.Context, req *domain.Request, err error, res *ForwardResult,
) error {
	if ctx.Err() != nil {
		return domain.NewTransactionError(domain.KindShutdown, req.Host, err)
	}
	kind := domain.KindUpstreamIO
	if isTimeout(err) {
		kind = domain.KindUpstreamTimeout
	}
	return domain.NewTransactionError(kind, req.Host, err)
}

// buildUpstreamPrefix は上流へ送るスタートラインとヘッダブロックを組み立てる.
// absolute-form のターゲットは origin-form に書き換え、パスとクエリの
// バイト列は再エンコードせずそのまま使う. ヘッダブロックは
// Proxy-Connection を1つ除去する以外は無加工で、Host は決して落とさない.
func buildUpstreamPrefix(req *domain.Request) []byte {
	var b bytes.Buffer

	if req.IsAbsolute {
		b.WriteString(req.Method)
		b.WriteByte(' ')
		if req.Path == "" {
			b.WriteByte('/')
		} else {
			b.WriteString(req.Path)
		}
		b.WriteByte(' ')
		b.WriteString(req.Version)
		b.WriteString("\r\n")

		if _, ok := req.HeaderValue("Host"); !ok {
			b.WriteString("Host: ")
			b.WriteString(hostHeaderValue(req))
			b.WriteString("\r\n")
		}
	} else {
		b.Write(req.RawStartLine)
	}

	b.Write(stripProxyConnection(req.RawHeaders))
	return b.Bytes()
}

// stripProxyConnection はヘッダブロックから Proxy-Connection 行を
// (obs-fold の継続行ごと) 1つ除去する. 他の行のバイト列には触れない.
func stripProxyConnection(block []byte) []byte {
	var out bytes.Buffer
	stripped := false
	skipping := false

	rest := block
	for len(rest) > 0 {
		end := bytes.IndexByte(rest, '\n')
		if end < 0 {
			out.Write(rest)
			break
		}
		line := rest[:end+1]
		rest = rest[end+1:]

		if skipping && len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			continue
		}
		skipping = false

		if !stripped {
			trimmed := bytes.TrimRight(line, "\r\n")
			if colon := bytes.IndexByte(trimmed, ':'); colon > 0 {
				name := string(bytes.TrimSpace(trimmed[:colon]))
				if strings.EqualFold(name, "Proxy-Connection") {
					stripped = true
					skipping = true
					continue
				}
			}
		}

		out.Write(line)
	}

	return out.Bytes()
}

func hostHeaderValue(req *domain.Request) string {
	host := req.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if req.Port == 80 {
		return host
	}
	return host + ":" + strconv.Itoa(req.Port)
}

func contentLength(req *domain.Request) int64 {
	v, ok := req.HeaderValue("Content-Length")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func isChunked(req *domain.Request) bool {
	v, ok := req.HeaderValue("Transfer-Encoding")
	return ok && strings.Contains(strings.ToLower(v), "chunked")
}

// statusFromChunk は応答の先頭チャンクからステータスコードを取り出す.
func statusFromChunk(chunk []byte) string {
	end := bytes.IndexByte(chunk, '\n')
	if end < 0 {
		end = len(chunk)
	}
	fields := strings.Fields(string(chunk[:end]))
	if len(fields) >= 2 && strings.HasPrefix(fields[0], "HTTP/") {
		return fields[1]
	}
	return "000"
}

// closeWrite は送信方向のみをシャットダウンする (TCP FIN).
// 逆方向の転送は生かしたままにする.
func closeWrite(conn net.Conn) {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		cw.CloseWrite()
	}
}

// watchContext はキャンセル時に両ソケットを閉じてブロック中の I/O を
// 解除する. 返された stop は必ず呼ぶこと.
func watchContext(ctx context.Context, conns ...net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, c := range conns {
				c.Close()
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

func isTimeout(err error) bool {
	var ne net.Error
	return xerrors.As(err, &ne) && ne.Timeout()
}

// isClosedConn は相手方の正常なクローズに由来するエラーか判定する.
func isClosedConn(err error) bool {
	if err == nil || err == io.EOF {
		return true
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return true
	}
	var oe *net.OpError
	if xerrors.As(err, &oe) {
		s := oe.Err.Error()
		return strings.Contains(s, "connection reset") || strings.Contains(s, "broken pipe")
	}
	return false
}
