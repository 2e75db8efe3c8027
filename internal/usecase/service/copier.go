package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/httpmsg"
	"github.com/blackHATred/tapproxy/internal/obs"
	"go.uber.org/zap"
)

type closeWriter interface {
	CloseWrite() error
}

// copier forwards one direction of a session. Bytes are written to dst as
// soon as they are read; reassembly happens on a separate goroutine so that
// a stalled observer never holds up forwarding.
type copier struct {
	sess   *session
	dir    entity.Direction
	src    io.Reader
	dst    io.Writer
	buf    []byte
	framer *framer
	log    *zap.SugaredLogger
}

func newCopier(ctx context.Context, s *session, dir entity.Direction, src io.Reader, dst io.Writer, cfg ProxyConfig, out chan<- entity.Observation) *copier {
	log := s.log.With("direction", dir.String())
	return &copier{
		sess:   s,
		dir:    dir,
		src:    src,
		dst:    dst,
		buf:    make([]byte, cfg.BufferSize),
		framer: newFramer(ctx, s, dir, cfg.ObservationLimit, out, log),
		log:    log,
	}
}

// run copies until src reports EOF or an I/O error, then half-closes dst so
// the peer sees the end of this direction.
func (c *copier) run() error {
	go c.framer.run()
	eof := false
	defer func() {
		c.framer.close(eof)
		if cw, ok := c.dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
	}()

	label := c.dir.String()
	for {
		n, rerr := c.src.Read(c.buf)
		if n > 0 {
			c.expect(c.buf[:n])
			if _, werr := c.dst.Write(c.buf[:n]); werr != nil {
				return entity.Wrap(entity.KindTransport, "write "+label, werr)
			}
			obs.BytesForwardedTotal.WithLabelValues(label).Add(float64(n))
			c.framer.push(c.buf[:n])
		}
		if err := c.framer.failure(); err != nil {
			return err
		}
		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, net.ErrClosed):
			eof = true
			return nil
		default:
			return entity.Wrap(entity.KindTransport, "read "+label, rerr)
		}
	}
}

// expect queues the method of a request that opens chunk. It runs before the
// chunk reaches the upstream so the answer can never be parsed without it.
// Requests pipelined behind it in the same chunk are queued by the framer.
func (c *copier) expect(chunk []byte) {
	if c.dir != entity.ClientToServer || c.sess.opaque.Load() || !httpmsg.StartsRequest(chunk) {
		return
	}
	c.sess.methods.push(string(chunk[:bytes.IndexByte(chunk, ' ')]))
}

// framer turns the byte stream of one direction into messages and sends
// them to the observer channel. Its queue is unbounded in count but capped
// in bytes; chunks past the cap are skipped by observation only.
type framer struct {
	ctx   context.Context
	sess  *session
	dir   entity.Direction
	out   chan<- entity.Observation
	log   *zap.SugaredLogger
	limit int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   [][]byte
	pending int
	closed  bool
	eof     bool
	err     error

	msg    *httpmsg.Message
	broken bool
	pushed bool
}

func newFramer(ctx context.Context, s *session, dir entity.Direction, limit int, out chan<- entity.Observation, log *zap.SugaredLogger) *framer {
	f := &framer{ctx: ctx, sess: s, dir: dir, out: out, log: log, limit: limit}
	f.cond = sync.NewCond(&f.mu)
	f.msg = f.fresh()
	return f
}

func (f *framer) fresh() *httpmsg.Message {
	f.pushed = false
	if f.dir == entity.ClientToServer {
		return httpmsg.NewRequest()
	}
	return httpmsg.NewResponse(f.sess.methods.pop)
}

// push queues a copy of p. It never blocks on the observer.
func (f *framer) push(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.err != nil || f.sess.opaque.Load() {
		return
	}
	if f.pending+len(p) > f.limit {
		obs.ObservationDropped.WithLabelValues(f.dir.String()).Add(float64(len(p)))
		// a gap in the stream: whatever was in progress can not be finished
		if n := len(f.queue); n == 0 || f.queue[n-1] != nil {
			f.queue = append(f.queue, nil)
			f.cond.Signal()
		}
		return
	}
	f.queue = append(f.queue, bytes.Clone(p))
	f.pending += len(p)
	f.cond.Signal()
}

func (f *framer) close(eof bool) {
	f.mu.Lock()
	f.closed = true
	f.eof = eof
	f.cond.Signal()
	f.mu.Unlock()
}

func (f *framer) failure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *framer) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.queue = nil
	f.pending = 0
	f.mu.Unlock()
}

func (f *framer) run() {
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.queue) == 0 {
			eof := f.eof
			f.mu.Unlock()
			f.finish(eof)
			return
		}
		chunk := f.queue[0]
		f.queue[0] = nil
		f.queue = f.queue[1:]
		f.pending -= len(chunk)
		f.mu.Unlock()

		if chunk == nil {
			f.resync()
			continue
		}
		if err := f.process(chunk); err != nil {
			f.log.Debugw("observation aborted", "err", err)
			f.fail(err)
			return
		}
	}
}

func (f *framer) resync() {
	f.msg = f.fresh()
	f.broken = true
}

// startsMessage reports whether chunk can begin a message in this direction.
func (f *framer) startsMessage(chunk []byte) bool {
	if f.dir == entity.ClientToServer {
		return httpmsg.StartsRequest(chunk)
	}
	return bytes.HasPrefix(chunk, []byte("HTTP/"))
}

func (f *framer) process(chunk []byte) error {
	if f.sess.opaque.Load() {
		return nil
	}
	if f.broken {
		if !f.startsMessage(chunk) {
			return nil
		}
		f.broken = false
	}
	// A read that opens with a method token starts a new request; whatever
	// request was in progress is flushed as it stands.
	if f.dir == entity.ClientToServer && !f.msg.Empty() && httpmsg.StartsRequest(chunk) {
		prev := f.msg.Finish(false)
		f.msg = f.fresh()
		if err := f.send(prev); err != nil {
			return err
		}
	}
	if f.dir == entity.ClientToServer && f.msg.Empty() && httpmsg.StartsRequest(chunk) {
		// queued by the copier
		f.pushed = true
	}

	for len(chunk) > 0 {
		n, done, err := f.msg.Feed(chunk)
		chunk = chunk[n:]
		if f.dir == entity.ClientToServer && !f.pushed && f.msg.HeadParsed() {
			f.sess.methods.push(f.msg.Method())
			f.pushed = true
		}
		if err != nil {
			if errors.Is(err, httpmsg.ErrHTTP2Preface) {
				f.log.Debugw("http/2 stream, forwarding without reassembly")
				f.sess.opaque.Store(true)
				return nil
			}
			f.log.Debugw("message parse failed, waiting for next message start", "err", err)
			obs.SessionErrorsTotal.WithLabelValues(entity.KindMessageParse.String()).Inc()
			f.resync()
			return nil
		}
		if !done {
			continue
		}
		upgraded := f.msg.Upgraded()
		msg := f.msg.Finish(false)
		f.msg = f.fresh()
		if err := f.send(msg); err != nil {
			return err
		}
		if upgraded {
			f.log.Debugw("protocol switched, forwarding without reassembly")
			f.sess.opaque.Store(true)
			return nil
		}
	}
	return nil
}

// finish sends the last message if the end of the stream completes it.
// Partial messages are discarded.
func (f *framer) finish(eof bool) {
	if f.broken || f.sess.opaque.Load() {
		return
	}
	msg := f.msg.Finish(eof)
	if msg == nil || !msg.Complete {
		return
	}
	if err := f.send(msg); err != nil {
		f.log.Debugw("final observation not delivered", "err", err)
	}
}

// send blocks while the observer channel is full.
func (f *framer) send(msg *entity.Message) error {
	if msg == nil {
		return nil
	}
	o := entity.Observation{
		SessionID: f.sess.id,
		Direction: f.dir,
		Host:      f.sess.host,
		At:        time.Now(),
		Message:   msg,
	}
	select {
	case f.out <- o:
		obs.MessagesTotal.WithLabelValues(f.dir.String()).Inc()
		return nil
	case <-f.ctx.Done():
		return entity.Wrap(entity.KindChannel, "send observation", f.ctx.Err())
	}
}

// methodQueue pairs responses with the methods of the requests they answer.
type methodQueue struct {
	mu      sync.Mutex
	methods []string
}

func (q *methodQueue) push(m string) {
	q.mu.Lock()
	q.methods = append(q.methods, m)
	q.mu.Unlock()
}

func (q *methodQueue) pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.methods) == 0 {
		return ""
	}
	m := q.methods[0]
	q.methods = q.methods[1:]
	return m
}
