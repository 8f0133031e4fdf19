package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler serves one accepted connection. ServeConn returns when the
// connection is finished; the listener closes it afterwards.
type Handler interface {
	ServeConn(ctx context.Context, conn *Connection)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn *Connection)

// ServeConn calls f(ctx, conn).
func (f HandlerFunc) ServeConn(ctx context.Context, conn *Connection) {
	f(ctx, conn)
}

// TCPListener accepts client connections and runs a Handler for each one in
// its own goroutine.
type TCPListener struct {
	name     string
	addr     string
	handler  Handler
	registry *ConnectionRegistry
	guard    *AcceptGuard
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewTCPListener creates a listener named name (used in logs) for addr.
func NewTCPListener(name, addr string, handler Handler) *TCPListener {
	return &TCPListener{
		name:     name,
		addr:     addr,
		handler:  handler,
		registry: NewConnectionRegistry(),
		logger:   log.With().Str("component", "tcp_listener").Str("listener", name).Logger(),
	}
}

// SetGuard installs accept limits. It must be called before Start.
func (l *TCPListener) SetGuard(g *AcceptGuard) {
	l.guard = g
}

// Listen binds the socket. Start calls it when the listener is not bound yet.
func (l *TCPListener) Listen(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener != nil {
		return nil
	}

	// Use SO_REUSEADDR to allow immediate rebinding after restart
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to start %s listener on %s: %w", l.name, l.addr, err)
	}
	l.listener = ln
	return nil
}

// Start accepts connections until ctx is cancelled. On return every
// connection has been closed and its handler has finished.
func (l *TCPListener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}

	ln := l.netListener()
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	defer func() {
		l.registry.CloseAll()
		l.wg.Wait()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.logger.Info().Msg("TCP listener stopping")
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if isClosedErr(err) {
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		if l.guard != nil {
			if ok, reason := l.guard.Admit(raw.RemoteAddr()); !ok {
				l.logger.Warn().
					Str("remote", raw.RemoteAddr().String()).
					Str("reason", reason).
					Msg("dropping connection")
				raw.Close()
				continue
			}
		}

		conn := NewConnection(raw)
		conn.logger = conn.logger.With().Str("listener", l.name).Logger()
		l.registry.Register(conn)

		conn.logger.Debug().Msg("new client connection")

		l.wg.Add(1)
		go l.handleConnection(ctx, conn)
	}
}

// handleConnection runs the handler and always releases the connection,
// including when the handler panics.
func (l *TCPListener) handleConnection(ctx context.Context, conn *Connection) {
	defer l.wg.Done()
	if l.guard != nil {
		defer l.guard.Release()
	}
	defer l.registry.Unregister(conn.ID())
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			conn.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("connection handler panicked")
		}
	}()

	l.handler.ServeConn(ctx, conn)
}

// Addr returns the bound address, or nil before Listen.
func (l *TCPListener) Addr() net.Addr {
	ln := l.netListener()
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Connections returns the number of open client connections.
func (l *TCPListener) Connections() int {
	return l.registry.Count()
}

// Stop closes the listening socket.
func (l *TCPListener) Stop() error {
	if ln := l.netListener(); ln != nil {
		return ln.Close()
	}
	return nil
}

func (l *TCPListener) netListener() net.Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
