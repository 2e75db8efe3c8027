package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/obs"
	"github.com/blackHATred/tapproxy/internal/usecase"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultBufferSize       = 64 << 10
	DefaultObservationLimit = 32 << 20
)

// connectEstablished is written to the client once a CONNECT target parses.
var connectEstablished = []byte("HTTP/1.1 200 OK\r\n\r\n")

var connectTarget = regexp.MustCompile(`^CONNECT (\S+) `)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type ProxyConfig struct {
	// BufferSize is the size of every read from either side of a session.
	BufferSize int
	// HandshakeTimeout bounds everything before Piping: the sniffing read,
	// the outbound dial and both TLS handshakes. Zero disables it.
	HandshakeTimeout time.Duration
	// UpstreamRootCAs verifies origin servers; nil means the system pool.
	UpstreamRootCAs *x509.CertPool
	// ObservationLimit caps the bytes waiting for reassembly per direction.
	ObservationLimit int
	Dial             DialFunc
}

type Proxy struct {
	certs    usecase.CertificateUsecase
	observer chan<- entity.Observation
	cfg      ProxyConfig
	log      *zap.SugaredLogger
}

func NewProxyService(certs usecase.CertificateUsecase, observer chan<- entity.Observation, cfg ProxyConfig, log *zap.SugaredLogger) *Proxy {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ObservationLimit <= 0 {
		cfg.ObservationLimit = DefaultObservationLimit
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	return &Proxy{certs: certs, observer: observer, cfg: cfg, log: log}
}

var _ usecase.ProxyUsecase = (*Proxy)(nil)

// session is the state shared by the two directions of one connection.
type session struct {
	id   string
	host string
	log  *zap.SugaredLogger

	// opaque is set once the stream stops being HTTP/1.x.
	opaque  atomic.Bool
	methods methodQueue
}

// HandleConn sniffs the first read of conn and either forwards plain HTTP or
// intercepts a CONNECT tunnel, then pipes both directions until they end.
// conn is closed on return.
func (p *Proxy) HandleConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &session{id: uuid.NewString()}
	s.log = p.log.With("session", s.id, "client", conn.RemoteAddr().String())

	obs.ActiveSessions.Inc()
	start := time.Now()
	defer func() {
		obs.ActiveSessions.Dec()
		obs.SessionDurationSecs.Observe(time.Since(start).Seconds())
	}()

	err := p.serve(ctx, s, conn)
	if err != nil {
		kind := entity.KindOf(err)
		obs.SessionErrorsTotal.WithLabelValues(kind.String()).Inc()
		s.log.Warnw("session aborted", "host", s.host, "kind", kind.String(), "err", err)
	}
	return err
}

func (p *Proxy) serve(ctx context.Context, s *session, conn net.Conn) error {
	if p.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	}

	buf := make([]byte, p.cfg.BufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil
		}
		return entity.Wrap(entity.KindTransport, "read first chunk", err)
	}
	first := buf[:n]

	if bytes.HasPrefix(first, []byte("CONNECT")) {
		return p.handleHTTPS(ctx, s, conn, first)
	}
	return p.handleHTTP(ctx, s, conn, first)
}

func (p *Proxy) handleHTTP(ctx context.Context, s *session, conn net.Conn, first []byte) error {
	out, host, addr, err := RewriteAbsoluteForm(first)
	if err != nil {
		return err
	}
	s.host = host
	s.log.Debugw("forwarding http", "upstream", addr)

	upstream, err := p.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer upstream.Close()

	if _, err := upstream.Write(out); err != nil {
		return entity.Wrap(entity.KindTransport, "write first chunk", err)
	}
	obs.BytesForwardedTotal.WithLabelValues(entity.ClientToServer.String()).Add(float64(len(out)))
	clearDeadline(conn, upstream)

	obs.SessionsTotal.WithLabelValues("http").Inc()
	p.pipe(ctx, s, conn, upstream, out)
	return nil
}

func (p *Proxy) handleHTTPS(ctx context.Context, s *session, conn net.Conn, first []byte) error {
	host, port, err := ParseConnect(first)
	if err != nil {
		return err
	}
	s.host = host
	addr := net.JoinHostPort(host, port)

	if _, err := conn.Write(connectEstablished); err != nil {
		return entity.Wrap(entity.KindTransport, "write connect response", err)
	}

	cert, err := p.certs.TLSCertificate(ctx, host)
	if err != nil {
		return err
	}
	client := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{"http/1.1"},
	})
	if err := client.HandshakeContext(ctx); err != nil {
		return entity.Wrap(entity.KindTLSIntercept, "client handshake for "+host, err)
	}

	raw, err := p.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer raw.Close()
	upstream := tls.Client(raw, &tls.Config{
		ServerName: host,
		RootCAs:    p.cfg.UpstreamRootCAs,
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	})
	if err := upstream.HandshakeContext(ctx); err != nil {
		return entity.Wrap(entity.KindTLSUpstream, "upstream handshake with "+addr, err)
	}
	clearDeadline(conn, raw)

	s.log.Debugw("intercepting tls", "upstream", addr)
	obs.SessionsTotal.WithLabelValues("https").Inc()
	p.pipe(ctx, s, client, upstream, nil)
	return nil
}

func (p *Proxy) dial(ctx context.Context, addr string) (net.Conn, error) {
	if p.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.HandshakeTimeout)
		defer cancel()
	}
	c, err := p.cfg.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, entity.Wrap(entity.KindTransport, "dial "+addr, err)
	}
	if p.cfg.HandshakeTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(p.cfg.HandshakeTimeout))
	}
	return c, nil
}

func clearDeadline(conns ...net.Conn) {
	for _, c := range conns {
		_ = c.SetDeadline(time.Time{})
	}
}

// pipe runs both directions to completion. seed, when set, is the request
// chunk already forwarded while sniffing and is observed as the start of the
// client stream. Observations still pending when pipe returns are delivered
// under ctx.
func (p *Proxy) pipe(ctx context.Context, s *session, client, upstream net.Conn, seed []byte) {
	stop := context.AfterFunc(ctx, func() { upstream.Close() })
	defer stop()

	c2s := newCopier(ctx, s, entity.ClientToServer, client, upstream, p.cfg, p.observer)
	s2c := newCopier(ctx, s, entity.ServerToClient, upstream, client, p.cfg, p.observer)
	if len(seed) > 0 {
		c2s.expect(seed)
		c2s.framer.push(seed)
	}

	var wg sync.WaitGroup
	for _, c := range []*copier{c2s, s2c} {
		wg.Add(1)
		go func(c *copier) {
			defer wg.Done()
			if err := c.run(); err != nil {
				if ctx.Err() != nil {
					return
				}
				kind := entity.KindOf(err)
				obs.SessionErrorsTotal.WithLabelValues(kind.String()).Inc()
				c.log.Warnw("copier stopped", "kind", kind.String(), "err", err)
			}
		}(c)
	}
	wg.Wait()
	s.log.Debugw("session closed", "host", s.host)
}

// ParseConnect extracts host and port from a buffer starting with
// "CONNECT host:port ".
func ParseConnect(buf []byte) (host, port string, err error) {
	m := connectTarget.FindSubmatch(buf)
	if m == nil || len(m[1]) == 0 {
		return "", "", entity.Errorf(entity.KindAddressParse, "no CONNECT target in %q", head(buf))
	}
	host, port, err = net.SplitHostPort(string(m[1]))
	if err != nil {
		return "", "", entity.Wrap(entity.KindAddressParse, "parse CONNECT target", err)
	}
	if host == "" {
		return "", "", entity.Errorf(entity.KindAddressParse, "empty CONNECT host in %q", m[1])
	}
	if err := checkPort(port); err != nil {
		return "", "", err
	}
	return host, port, nil
}

// RewriteAbsoluteForm turns "METHOD http://host[:port]/path ..." into
// "METHOD /path ..." by cutting out the scheme and authority. It returns the
// rewritten bytes, the host and the dial address (port 80 when absent).
func RewriteAbsoluteForm(buf []byte) (out []byte, host, addr string, err error) {
	const scheme = "http://"
	start := bytes.Index(buf, []byte(scheme))
	if start < 0 {
		return nil, "", "", entity.Errorf(entity.KindAddressParse, "no absolute http target in %q", head(buf))
	}
	rest := buf[start+len(scheme):]
	slash := bytes.IndexByte(rest, '/')
	if slash < 0 {
		return nil, "", "", entity.Errorf(entity.KindAddressParse, "no path after authority in %q", head(buf))
	}
	authority := string(rest[:slash])
	if authority == "" || strings.ContainsAny(authority, " \t\r\n") {
		return nil, "", "", entity.Errorf(entity.KindAddressParse, "bad authority %q", authority)
	}

	host, port := authority, "80"
	switch h, p, splitErr := net.SplitHostPort(authority); {
	case splitErr == nil:
		host = h
		if p != "" {
			port = p
		}
	case strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]"):
		host = authority[1 : len(authority)-1]
	case strings.Contains(authority, ":"):
		return nil, "", "", entity.Wrap(entity.KindAddressParse, "parse authority", splitErr)
	}
	if host == "" {
		return nil, "", "", entity.Errorf(entity.KindAddressParse, "empty host in %q", authority)
	}
	if err := checkPort(port); err != nil {
		return nil, "", "", err
	}

	out = make([]byte, 0, len(buf)-len(scheme)-slash)
	out = append(out, buf[:start]...)
	out = append(out, rest[slash:]...)
	return out, host, net.JoinHostPort(host, port), nil
}

func checkPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return entity.Errorf(entity.KindAddressParse, "bad port %q", port)
	}
	return nil
}

// head returns the first line of buf for error messages.
func head(buf []byte) []byte {
	if i := bytes.IndexAny(buf, "\r\n"); i >= 0 {
		buf = buf[:i]
	}
	if len(buf) > 128 {
		buf = buf[:128]
	}
	return buf
}
