package httpmsg

import (
	"errors"
	"net/http"
	"testing"

	"github.com/blackHATred/tapproxy/internal/entity"
)

// feedAll pushes data in pieces of size step and returns the offset at which
// the message reported completion, or -1.
func feedAll(t *testing.T, m *Message, data []byte, step int) int {
	t.Helper()
	off := 0
	for off < len(data) {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		n, done, err := m.Feed(data[off:end])
		if err != nil {
			t.Fatalf("Feed at %d: %v", off, err)
		}
		off += n
		if done {
			return off
		}
		if n < end-(off-n) {
			t.Fatalf("Feed stopped early at %d without completing", off)
		}
	}
	return -1
}

func TestResponseContentLengthBoundary(t *testing.T) {
	first := "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"
	second := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	stream := []byte(first + second)

	for _, step := range []int{1, 3, 7, len(stream)} {
		m := NewResponse(nil)
		completions := 0
		at := -1
		off := 0
		for off < len(stream) && completions == 0 {
			end := off + step
			if end > len(stream) {
				end = len(stream)
			}
			n, done, err := m.Feed(stream[off:end])
			if err != nil {
				t.Fatalf("step %d: Feed: %v", step, err)
			}
			off += n
			if done {
				completions++
				at = off
			}
		}
		if completions != 1 {
			t.Fatalf("step %d: expected one completion, got %d", step, completions)
		}
		if at != len(first) {
			t.Errorf("step %d: completion at %d, want %d", step, at, len(first))
		}
		msg := m.Finish(false)
		if string(msg.Body) != "hello" || msg.StatusCode != 200 || !msg.Complete {
			t.Errorf("step %d: unexpected message %+v", step, msg)
		}
		if string(msg.Raw) != first {
			t.Errorf("step %d: raw = %q", step, msg.Raw)
		}

		next := NewResponse(nil)
		if got := feedAll(t, next, stream[at:], step); got != len(second) {
			t.Errorf("step %d: second completion at %d, want %d", step, got, len(second))
		}
		if next.Finish(false).StatusCode != http.StatusNotFound {
			t.Errorf("step %d: second status mismatch", step)
		}
	}
}

func TestResponseChunked(t *testing.T) {
	stream := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Trailer: 1\r\n\r\n"
	for _, step := range []int{1, 2, 5, len(stream)} {
		m := NewResponse(nil)
		if got := feedAll(t, m, []byte(stream+"HTTP/1.1"), step); got != len(stream) {
			t.Fatalf("step %d: completion at %d, want %d", step, got, len(stream))
		}
		if body := string(m.Finish(false).Body); body != "Wikipedia" {
			t.Errorf("step %d: body = %q", step, body)
		}
	}
}

func TestResponseWithoutBody(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		method string
	}{
		{name: "no content", raw: "HTTP/1.1 204 No Content\r\nContent-Length: 10\r\n\r\n"},
		{name: "not modified", raw: "HTTP/1.1 304 Not Modified\r\n\r\n"},
		{name: "continue", raw: "HTTP/1.1 100 Continue\r\n\r\n"},
		{name: "head", raw: "HTTP/1.1 200 OK\r\nContent-Length: 42\r\n\r\n", method: http.MethodHead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewResponse(func() string { return tt.method })
			n, done, err := m.Feed([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Feed: %v", err)
			}
			if !done || n != len(tt.raw) {
				t.Errorf("expected completion after %d bytes, got done=%v n=%d", len(tt.raw), done, n)
			}
		})
	}
}

func TestResponseUntilClose(t *testing.T) {
	m := NewResponse(nil)
	_, done, err := m.Feed([]byte("HTTP/1.0 200 OK\r\n\r\npartial body"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if done {
		t.Fatal("close-delimited response must not complete before EOF")
	}
	if m.Finish(false).Complete {
		t.Error("expected incomplete before EOF")
	}
	msg := m.Finish(true)
	if !msg.Complete || string(msg.Body) != "partial body" {
		t.Errorf("unexpected message at EOF: %+v", msg)
	}
}

func TestUpgradeResponse(t *testing.T) {
	m := NewResponse(nil)
	_, done, err := m.Feed([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n\x81\x05hello"))
	if err != nil || !done {
		t.Fatalf("expected completion, got done=%v err=%v", done, err)
	}
	if !m.Upgraded() {
		t.Error("expected Upgraded")
	}
}

func TestRequests(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		method string
		target string
		body   string
	}{
		{name: "get", raw: "GET /a HTTP/1.1\r\nHost: example.com\r\n\r\n", method: "GET", target: "/a"},
		{name: "post", raw: "POST /form HTTP/1.1\r\nContent-Length: 3\r\n\r\nabc", method: "POST", target: "/form", body: "abc"},
		{name: "chunked", raw: "PUT /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n", method: "PUT", target: "/x", body: "abc"},
		{name: "bare lf", raw: "DELETE /y HTTP/1.1\nHost: h\n\n", method: "DELETE", target: "/y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRequest()
			if got := feedAll(t, m, []byte(tt.raw), 2); got != len(tt.raw) {
				t.Fatalf("completion at %d, want %d", got, len(tt.raw))
			}
			msg := m.Finish(false)
			if msg.Method != tt.method || msg.Target != tt.target || string(msg.Body) != tt.body {
				t.Errorf("got %s %s body=%q", msg.Method, msg.Target, msg.Body)
			}
			if msg.Kind != entity.KindRequest || msg.StartLine() != tt.method+" "+tt.target+" HTTP/1.1" {
				t.Errorf("unexpected start line %q", msg.StartLine())
			}
		})
	}
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
		raw  string
	}{
		{name: "request garbage", m: NewRequest(), raw: "\x16\x03\x01\x02\x00\x01\xfc\x03\x03abcd"},
		{name: "unknown method", m: NewRequest(), raw: "BREW /pot HTTP/1.1\r\n\r\n"},
		{name: "response garbage", m: NewResponse(nil), raw: "<html>"},
		{name: "bad status", m: NewResponse(nil), raw: "HTTP/1.1 abc\r\n\r\n"},
		{name: "bad length", m: NewResponse(nil), raw: "HTTP/1.1 200 OK\r\nContent-Length: -1\r\n\r\n"},
		{name: "bad chunk", m: NewResponse(nil), raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.m.Feed([]byte(tt.raw))
			if !errors.Is(err, entity.ErrMessageParse) {
				t.Fatalf("expected MessageParseError, got %v", err)
			}
			if _, _, again := tt.m.Feed([]byte("more")); again == nil {
				t.Error("expected message to stay failed")
			}
		})
	}
}

func TestHTTP2Preface(t *testing.T) {
	m := NewRequest()
	_, _, err := m.Feed([]byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"))
	if !errors.Is(err, ErrHTTP2Preface) {
		t.Fatalf("expected ErrHTTP2Preface, got %v", err)
	}
}

func TestStartsRequest(t *testing.T) {
	tests := []struct {
		chunk string
		want  bool
	}{
		{"GET / HTTP/1.1\r\n", true},
		{"OPTIONS * HTTP/1.1\r\n", true},
		{"get / HTTP/1.1\r\n", false},
		{"GETX / HTTP/1.1\r\n", false},
		{" GET /", false},
		{"body bytes", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := StartsRequest([]byte(tt.chunk)); got != tt.want {
			t.Errorf("StartsRequest(%q) = %v, want %v", tt.chunk, got, tt.want)
		}
	}
}

func TestTruncation(t *testing.T) {
	m := NewResponse(nil)
	head := "HTTP/1.1 200 OK\r\n\r\n"
	if _, _, err := m.Feed([]byte(head)); err != nil {
		t.Fatal(err)
	}
	big := make([]byte, MaxKeptBytes+10)
	if _, _, err := m.Feed(big); err != nil {
		t.Fatal(err)
	}
	msg := m.Finish(true)
	if !msg.Truncated || len(msg.Body) != MaxKeptBytes {
		t.Errorf("expected truncated body of %d bytes, got %d (truncated=%v)", MaxKeptBytes, len(msg.Body), msg.Truncated)
	}
}
