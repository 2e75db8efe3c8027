package delivery

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/blackHATred/tapproxy/internal/usecase"
	"go.uber.org/zap"
)

// Proxy is the connection acceptor: one listener, one goroutine per
// accepted connection.
type Proxy struct {
	listener     net.Listener
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	proxyUsecase usecase.ProxyUsecase
	log          *zap.SugaredLogger
}

func NewProxy(p usecase.ProxyUsecase, log *zap.SugaredLogger) *Proxy {
	proxy := &Proxy{proxyUsecase: p, log: log}
	proxy.ctx, proxy.cancel = context.WithCancel(context.Background())
	return proxy
}

// Listen binds addr. It is the only fatal step of the acceptor.
func (p *Proxy) Listen(addr string) error {
	config := net.ListenConfig{}
	listener, err := config.Listen(p.ctx, "tcp", addr)
	if err != nil {
		return err
	}
	p.listener = listener
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *Proxy) StartProxyServer(wg *sync.WaitGroup, addr string) error {
	if err := p.Listen(addr); err != nil {
		return err
	}

	go func() {
		defer wg.Done()

		if err := p.ListenAndServe(); !errors.Is(err, net.ErrClosed) {
			p.log.Errorw("proxy accept loop stopped", "err", err)
		}
	}()

	p.log.Infow("proxy listening", "addr", p.listener.Addr().String())
	return nil
}

// ListenAndServe accepts until the listener is closed and then waits for
// every session it started. It always returns a non-nil error.
func (p *Proxy) ListenAndServe() error {
	var delay time.Duration
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// e.g. EMFILE; back off instead of spinning
			delay = max(5*time.Millisecond, min(2*delay, time.Second))
			p.log.Warnw("accept failed", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		p.wg.Add(1)
		go p.serveConn(conn)
	}
	p.log.Infow("proxy listener closed")
	p.wg.Wait()
	return net.ErrClosed
}

func (p *Proxy) serveConn(conn net.Conn) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			conn.Close()
			p.log.Errorw("session panicked", "client", conn.RemoteAddr().String(), "panic", r)
		}
	}()
	// the session logs its own failure with its id
	if err := p.proxyUsecase.HandleConn(p.ctx, conn); err != nil {
		p.log.Debugw("session ended with error", "err", err)
	}
}

// Shutdown stops accepting and waits for active sessions. When ctx expires
// first, the remaining sessions are torn down and ctx's error is returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.listener != nil {
		_ = p.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	case <-done:
		p.cancel()
		return nil
	}
}
