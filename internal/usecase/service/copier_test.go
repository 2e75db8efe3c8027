package service

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/blackHATred/tapproxy/internal/entity"
	"go.uber.org/zap"
)

// chunkReader returns its chunks one Read at a time.
type chunkReader struct {
	chunks [][]byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n == len(r.chunks[0]) {
		r.chunks = r.chunks[1:]
	} else {
		r.chunks[0] = r.chunks[0][n:]
	}
	return n, nil
}

func randomChunks(data []byte, rng *rand.Rand) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := 1 + rng.Intn(97)
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func testSession() *session {
	return &session{id: "test", host: "example.com", log: zap.NewNop().Sugar()}
}

func runCopier(t *testing.T, c *copier) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("copier: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("copier did not finish")
	}
}

func TestCopierRoundTrip(t *testing.T) {
	stream := strings.Repeat("HTTP/1.1 200 OK\r\nContent-Length: 11\r\n\r\nhello world", 3) +
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"
	rng := rand.New(rand.NewSource(1))

	for _, size := range []int{1, 7, 4096} {
		reader := &chunkReader{chunks: randomChunks([]byte(stream), rng)}
		var dst bytes.Buffer
		out := make(chan entity.Observation, 8)
		cfg := ProxyConfig{BufferSize: size, ObservationLimit: DefaultObservationLimit}
		c := newCopier(context.Background(), testSession(), entity.ServerToClient, reader, &dst, cfg, out)
		runCopier(t, c)

		if dst.String() != stream {
			t.Fatalf("buffer %d: forwarded bytes differ", size)
		}
		got := collect(t, out, 4)
		for i, o := range got[:3] {
			if string(o.Message.Body) != "hello world" || !o.Message.Complete {
				t.Errorf("buffer %d: message %d body %q", size, i, o.Message.Body)
			}
		}
		if string(got[3].Message.Body) != "hello" {
			t.Errorf("buffer %d: chunked body %q", size, got[3].Message.Body)
		}
	}
}

func TestCopierForwardsWhenObserverStalls(t *testing.T) {
	stream := []byte(strings.Repeat("HTTP/1.1 204 No Content\r\n\r\n", 500))
	reader := &chunkReader{chunks: randomChunks(stream, rand.New(rand.NewSource(2)))}
	var dst bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// nobody ever receives from this channel
	out := make(chan entity.Observation)
	cfg := ProxyConfig{BufferSize: 512, ObservationLimit: 1 << 10}
	c := newCopier(ctx, testSession(), entity.ServerToClient, reader, &dst, cfg, out)
	runCopier(t, c)

	if !bytes.Equal(dst.Bytes(), stream) {
		t.Fatal("forwarded bytes differ")
	}
}

func TestCopierSurvivesGarbage(t *testing.T) {
	chunks := [][]byte{
		[]byte("garbage that is not http\r\n"),
		[]byte("more garbage\r\n"),
		[]byte("GET /ok HTTP/1.1\r\nHost: a\r\n\r\n"),
	}
	var want []byte
	for _, c := range chunks {
		want = append(want, c...)
	}
	var dst bytes.Buffer
	out := make(chan entity.Observation, 4)
	cfg := ProxyConfig{BufferSize: 1024, ObservationLimit: DefaultObservationLimit}
	c := newCopier(context.Background(), testSession(), entity.ClientToServer, &chunkReader{chunks: chunks}, &dst, cfg, out)
	runCopier(t, c)

	if !bytes.Equal(dst.Bytes(), want) {
		t.Fatal("forwarded bytes differ")
	}
	got := collect(t, out, 1)
	if got[0].Message.Target != "/ok" {
		t.Errorf("observed %q", got[0].Message.StartLine())
	}
}

func TestCopierFlushesOnNewRequest(t *testing.T) {
	// the first request declares a body it never finishes
	chunks := [][]byte{
		[]byte("POST /a HTTP/1.1\r\nContent-Length: 100\r\n\r\npartial"),
		[]byte("GET /b HTTP/1.1\r\n\r\n"),
	}
	out := make(chan entity.Observation, 4)
	cfg := ProxyConfig{BufferSize: 1024, ObservationLimit: DefaultObservationLimit}
	c := newCopier(context.Background(), testSession(), entity.ClientToServer, &chunkReader{chunks: chunks}, io.Discard, cfg, out)
	runCopier(t, c)

	got := collect(t, out, 2)
	if m := got[0].Message; m.Method != "POST" || m.Complete || string(m.Body) != "partial" {
		t.Errorf("first message %q complete=%v body %q", m.StartLine(), m.Complete, m.Body)
	}
	if m := got[1].Message; m.Method != "GET" || !m.Complete {
		t.Errorf("second message %q complete=%v", m.StartLine(), m.Complete)
	}
}

func TestCopierHeadResponse(t *testing.T) {
	s := testSession()
	s.methods.push("HEAD")
	s.methods.push("GET")
	stream := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n" +
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	out := make(chan entity.Observation, 4)
	cfg := ProxyConfig{BufferSize: 1024, ObservationLimit: DefaultObservationLimit}
	c := newCopier(context.Background(), s, entity.ServerToClient, strings.NewReader(stream), io.Discard, cfg, out)
	runCopier(t, c)

	got := collect(t, out, 2)
	if len(got[0].Message.Body) != 0 || string(got[1].Message.Body) != "hello" {
		t.Errorf("bodies %q and %q", got[0].Message.Body, got[1].Message.Body)
	}
}

func TestCopierQueuesMethodsWhenObserverStalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := testSession()

	requests := [][]byte{
		[]byte("HEAD /a HTTP/1.1\r\nHost: a\r\n\r\n"),
		[]byte("HEAD /b HTTP/1.1\r\nHost: a\r\n\r\n"),
	}
	// nobody ever receives the requests
	stalled := make(chan entity.Observation)
	cfg := ProxyConfig{BufferSize: 1024, ObservationLimit: DefaultObservationLimit}
	runCopier(t, newCopier(ctx, s, entity.ClientToServer, &chunkReader{chunks: requests}, io.Discard, cfg, stalled))

	stream := strings.Repeat("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n", 2)
	out := make(chan entity.Observation, 4)
	runCopier(t, newCopier(ctx, s, entity.ServerToClient, strings.NewReader(stream), io.Discard, cfg, out))

	got := collect(t, out, 2)
	for i, o := range got {
		if !o.Message.Complete || len(o.Message.Body) != 0 {
			t.Errorf("response %d complete=%v body %q", i, o.Message.Complete, o.Message.Body)
		}
	}
}

func TestCopierUpgradeGoesOpaque(t *testing.T) {
	s := testSession()
	stream := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n" +
		"\x81\x05hello"
	out := make(chan entity.Observation, 4)
	var dst bytes.Buffer
	cfg := ProxyConfig{BufferSize: 1024, ObservationLimit: DefaultObservationLimit}
	c := newCopier(context.Background(), s, entity.ServerToClient, strings.NewReader(stream), &dst, cfg, out)
	runCopier(t, c)

	if dst.String() != stream {
		t.Fatal("forwarded bytes differ")
	}
	got := collect(t, out, 1)
	if got[0].Message.StatusCode != 101 {
		t.Errorf("observed %q", got[0].Message.StartLine())
	}
	if !s.opaque.Load() {
		t.Error("session should be opaque after 101")
	}
	select {
	case o := <-out:
		t.Errorf("unexpected observation after upgrade: %q", o.Message.StartLine())
	case <-time.After(50 * time.Millisecond):
	}
}
