package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ConnHandler is called in its own goroutine for every accepted connection.
// The connection is closed once the handler returns.
type ConnHandler func(ctx context.Context, conn *Conn)

type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	numListeners int
	listeners    []*TCPListener

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := 1

	if options.Reuseport {
		numListeners = options.NumListeners
		if numListeners < 1 {
			numListeners = runtime.NumCPU()
		}
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		log:          log,
	}
}

// Start binds every listener before returning, then accepts connections in
// the background until Close is called or ctx is cancelled.
func (w *TCP) Start(parentCtx context.Context, handler ConnHandler) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx, handler); err != nil {
			cancel()
			return multierr.Append(err, w.closeListeners())
		}
	}

	return nil
}

// Addrs returns the bound address of every listener.
func (w *TCP) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(w.listeners))
	for _, listener := range w.listeners {
		addrs = append(addrs, listener.Addr())
	}

	return addrs
}

func (w *TCP) startListener(ctx context.Context, handler ConnHandler) error {
	var (
		listener net.Listener
		err      error
	)

	if w.reuseport {
		listener, err = reuseport.Listen("tcp", w.addr)
	} else {
		listener, err = net.Listen("tcp", w.addr)
	}

	if err != nil {
		return err
	}

	tcpListener := NewTCPListener(
		ctx,
		listener,
		handler,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)

	w.listeners = append(w.listeners, tcpListener)

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := tcpListener.Listen(); err != nil {
			// TODO(rolly) as any of the listeners can fail to listen, but we don't treat this as fatal,
			//             you can end up with less than the required amount of listeners running
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()

	return nil
}

// Close immediately closes all listeners and active connections, then waits
// for every connection handler to return.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

func (w *TCP) closeListeners() (err error) {
	for _, listener := range w.listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx      context.Context
	listener net.Listener
	handler  ConnHandler
	log      *zap.Logger

	mu          sync.Mutex
	activeConns map[*Conn]struct{}
	loopWaiter  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	handler ConnHandler,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		handler:     handler,
		activeConns: make(map[*Conn]struct{}),
		log:         log,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

// Close stops accepting and closes every active connection.
func (t *TCPListener) Close() error {
	t.closeOnce.Do(func() {
		if err := t.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.closeErr = err
		}

		t.mu.Lock()
		defer t.mu.Unlock()

		for conn := range t.activeConns {
			t.closeErr = multierr.Append(t.closeErr, conn.Close())
			delete(t.activeConns, conn)
		}
	})

	return t.closeErr
}

func (t *TCPListener) Listen() error {
	go func() {
		<-t.ctx.Done()

		if err := t.Close(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	defer func() {
		t.log.Info("Waiting for connection handlers to return")
		t.loopWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			// TODO(rolly) can we recover from some classes of err?
			return err
		}

		tcpConn := NewConn(conn)
		if !t.addConn(tcpConn) {
			tcpConn.Close()
			return nil
		}

		t.loopWaiter.Add(1)
		go func() {
			defer t.loopWaiter.Done()
			defer t.removeConn(tcpConn)
			defer tcpConn.Close()

			t.handler(t.ctx, tcpConn)
		}()
	}
}

// addConn tracks conn for Close. It returns false once the listener is
// shutting down.
func (t *TCPListener) addConn(conn *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return false
	}

	t.activeConns[conn] = struct{}{}
	return true
}

func (t *TCPListener) removeConn(conn *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}
