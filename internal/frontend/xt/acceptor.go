package xt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/waddlerhq/waddler/internal/config"
	"github.com/waddlerhq/waddler/internal/game/session"
	"github.com/waddlerhq/waddler/internal/protocol"
)

// Router consumes one decoded frame with its originating session and
// dispatches it to game logic.
type Router interface {
	Route(ctx context.Context, sess *session.Session, frame string) error
}

// Acceptor listens for XT connections on a TCP port, gates admission
// against the registry's capacity, splits inbound bytes into frames, and
// routes each frame. It also coordinates the shutdown drain.
type Acceptor struct {
	listenCfg config.ListenConfig
	gameCfg   config.GameConfig
	registry  *session.Registry
	gateway   session.Gateway
	router    Router
	patched   map[int]bool
	logger    *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewAcceptor creates an XT acceptor with the given configuration.
//
// Precondition: registry, gateway, router, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(listenCfg config.ListenConfig, gameCfg config.GameConfig, registry *session.Registry, gateway session.Gateway, router Router, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		listenCfg: listenCfg,
		gameCfg:   gameCfg,
		registry:  registry,
		gateway:   gateway,
		router:    router,
		patched:   gameCfg.PatchedSet(),
		logger:    logger,
		quit:      make(chan struct{}),
	}
}

// ListenAndServe starts the TCP listener and accepts connections until Stop
// is called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.listenCfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.listenCfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("waddler listening",
		zap.String("role", a.listenCfg.Role),
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-a.quit:
				return nil
			default:
				a.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		a.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn owns one TCP connection: admission, the frame read loop, and
// teardown. Frames from one connection are dispatched in arrival order.
func (a *Acceptor) handleConn(raw net.Conn) {
	defer a.wg.Done()
	addr := raw.RemoteAddr().String()

	conn := NewConn(raw, a.listenCfg.WriteTimeout, a.listenCfg.MaxFrameBytes)
	sess := session.New(conn, a.gateway, a.patched, a.logger)

	if err := a.registry.Add(sess); err != nil {
		if errors.Is(err, session.ErrServerFull) {
			a.logger.Warn("rejecting connection, server full",
				zap.String("remote_addr", addr),
				zap.Int("capacity", a.registry.Len()),
			)
			sess.SendError(protocol.CodeServerFull, true)
			return
		}
		a.logger.Error("admitting connection", zap.String("remote_addr", addr), zap.Error(err))
		sess.Disconnect()
		return
	}

	a.logger.Info("client connected",
		zap.String("remote_addr", addr),
		zap.String("conn_id", sess.ConnID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				a.logger.Info("client disconnected", zap.String("remote_addr", addr))
			} else {
				a.logger.Error("reading frame", zap.String("remote_addr", addr), zap.Error(err))
			}
			sess.Disconnect()
			return
		}

		if err := a.router.Route(ctx, sess, frame); err != nil {
			a.logger.Error("routing frame",
				zap.String("remote_addr", addr),
				zap.String("frame", frame),
				zap.Error(err),
			)
		}

		if sess.State() == session.Terminated {
			return
		}
	}
}

// Stop drains and stops the acceptor. The listener is closed first; when
// live sessions remain, they are all disconnected after the configured grace
// period. With no sessions the acceptor stops immediately.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	listener := a.listener
	a.mu.Unlock()

	close(a.quit)
	if listener != nil {
		_ = listener.Close()
	}

	if n := a.registry.Len(); n > 0 {
		a.logger.Info("server shutting down",
			zap.Duration("grace", a.gameCfg.ShutdownGrace),
			zap.Int("clients", n),
		)
		time.Sleep(a.gameCfg.ShutdownGrace)
		a.registry.DisconnectAll()
	} else {
		a.logger.Info("no clients connected, shutting down instantly")
	}

	a.wg.Wait()
	a.logger.Info("acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet
// listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning reports whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
