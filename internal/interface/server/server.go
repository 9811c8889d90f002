// Package server は listen ソケットの所有とアクセプトループ、
// 同時実行数の管理を担う.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"filterproxy/internal/domain"
	"filterproxy/internal/interface/connection"
	"filterproxy/internal/interface/handler"
)

const defaultGrace = 5 * time.Second

// Server は接続の受理から終端までを監督する.
// 同時に処理する接続数はカウンティングセマフォで上限 P に保たれ、
// 飽和中はアクセプトを一時停止してカーネルのバックログに吸収させる.
type Server struct {
	addr     string
	poolSize int64
	permits  *semaphore.Weighted
	handler  *handler.ConnHandler
	registry *connection.Registry
	metrics  domain.MetricsCollector
	logger   slog.Logger
	grace    time.Duration

	listener net.Listener
}

// New は新しい Server インスタンスを作成する.
func New(
	addr string,
	poolSize int,
	h *handler.ConnHandler,
	registry *connection.Registry,
	metrics domain.MetricsCollector,
	logger slog.Logger,
) *Server {
	return &Server{
		addr:     addr,
		poolSize: int64(poolSize),
		permits:  semaphore.NewWeighted(int64(poolSize)),
		handler:  h,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		grace:    defaultGrace,
	}
}

// Listen は listen ソケットを束縛する. 失敗は起動エラーとして返す.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return xerrors.Errorf("bind %s: %w", s.addr, err)
	}
	s.listener = listener
	return nil
}

// Addr は束縛済みのアドレスを返す.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve はアクセプトループを回す. パーミット待ちの間の ctx のキャンセル、
// または listen ソケットのクローズで戻る. Accept で待機中は ctx の
// キャンセルだけでは戻らず、Close/Shutdown によるクローズで戻る.
// 戻る前に新規受理は止まっている.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.logger.Info(ctx, "proxy server listening",
		slog.F("addr", s.listener.Addr().String()),
		slog.F("pool_size", s.poolSize))

	for {
		// 受理前にパーミットを取る. 飽和中はここで止まる.
		if err := s.permits.Acquire(ctx, 1); err != nil {
			return nil
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.permits.Release(1)
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn(ctx, "accept failed", slog.Error(err))
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn は1接続を処理する. パーミットの解放は両ソケットの
// クローズ後に行われる (ハンドラが戻った時点で閉じ済み).
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.permits.Release(1)

	id := s.registry.Add(conn)
	if id == 0 {
		return
	}
	defer s.registry.Remove(id)

	s.metrics.IncrementConnections()
	defer s.metrics.DecrementConnections()

	s.handler.Handle(ctx, conn)
}

// Close は listen ソケットを閉じて新規受理を止める.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Shutdown は処理中のハンドラの完了を猶予付きで待つ.
// 猶予が切れたら残っている接続を強制的に閉じ、全パーミットの
// 解放を待ってから戻る.
func (s *Server) Shutdown() {
	s.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	if err := s.permits.Acquire(waitCtx, s.poolSize); err == nil {
		s.permits.Release(s.poolSize)
		s.logger.Info(context.Background(), "all handlers drained")
		return
	}

	s.logger.Warn(context.Background(), "grace expired, forcing connections closed",
		slog.F("in_flight", s.registry.Len()))
	s.registry.CloseAll()

	// 強制クローズで I/O が解除されたハンドラの終了を待つ.
	finalCtx, cancelFinal := context.WithTimeout(context.Background(), time.Second)
	defer cancelFinal()
	if err := s.permits.Acquire(finalCtx, s.poolSize); err == nil {
		s.permits.Release(s.poolSize)
	}
}
