// Package httpmsg reassembles HTTP/1.x messages from raw bytes fed in
// arbitrary chunks, as they are read off a proxied connection.
package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/blackHATred/tapproxy/internal/entity"
)

const (
	maxHeadBytes = 1 << 20
	maxLineBytes = 4 << 10
	// MaxKeptBytes bounds how much of the raw message and body is retained.
	// Framing continues past it, the stored copies are marked truncated.
	MaxKeptBytes = 8 << 20
)

var (
	// ErrHTTP2Preface is returned when a request stream opens with the HTTP/2
	// connection preface. Such streams are forwarded but not reassembled.
	ErrHTTP2Preface = errors.New("http/2 connection preface")

	errNoMethod = errors.New("request does not start with a known method")
	errNoProto  = errors.New("response does not start with HTTP/")
)

type state int

const (
	stateHead state = iota
	stateFixed
	stateUntilClose
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailer
	stateDone
)

// Message is an in-progress HTTP request or response. It is not safe for
// concurrent use; each direction of a session owns its own.
type Message struct {
	kind       entity.MessageKind
	reqMethod  func() string
	st         state
	head       []byte
	line       []byte
	remaining  int64
	raw        []byte
	body       []byte
	truncated  bool
	err        error
	msg        entity.Message
	headParsed bool
}

// NewRequest starts an empty request.
func NewRequest() *Message {
	return &Message{kind: entity.KindRequest}
}

// NewResponse starts an empty response. reqMethod, when not nil, is asked for
// the method of the request being answered once the status line is known;
// responses to HEAD carry no body regardless of their headers.
func NewResponse(reqMethod func() string) *Message {
	return &Message{kind: entity.KindResponse, reqMethod: reqMethod}
}

// Empty reports whether nothing has been fed yet.
func (m *Message) Empty() bool { return len(m.raw) == 0 }

// Done reports whether the message is structurally complete.
func (m *Message) Done() bool { return m.st == stateDone }

// Method is the request method, or empty until the request line is parsed.
func (m *Message) Method() string { return m.msg.Method }

// HeadParsed reports whether the start line and headers have been parsed.
func (m *Message) HeadParsed() bool { return m.headParsed }

// Upgraded reports a completed 101 Switching Protocols response: whatever
// follows on the connection is no longer HTTP/1.x.
func (m *Message) Upgraded() bool {
	return m.kind == entity.KindResponse && m.headParsed && m.msg.StatusCode == http.StatusSwitchingProtocols
}

// Feed consumes bytes up to the end of the current message. It returns how
// many bytes of p were used and whether the message is now complete; bytes
// past n belong to the next message. Once an error is returned the message
// is unusable.
func (m *Message) Feed(p []byte) (int, bool, error) {
	if m.err != nil {
		return 0, false, m.err
	}
	n := 0
	for n < len(p) && m.st != stateDone {
		used, err := m.step(p[n:])
		m.keep(&m.raw, p[n:n+used])
		n += used
		if err != nil {
			m.err = entity.Wrap(entity.KindMessageParse, "feed "+m.kind.String(), err)
			return n, false, m.err
		}
	}
	return n, m.st == stateDone, nil
}

// Finish returns the message assembled so far, or nil when nothing was fed.
// eof reports that the stream ended, which completes close-delimited bodies.
func (m *Message) Finish(eof bool) *entity.Message {
	if m.Empty() {
		return nil
	}
	out := m.msg
	out.Kind = m.kind
	out.Raw = m.raw
	out.Body = m.body
	out.Truncated = m.truncated
	out.Complete = m.st == stateDone || (eof && m.st == stateUntilClose)
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return &out
}

func (m *Message) keep(dst *[]byte, p []byte) {
	room := MaxKeptBytes - len(*dst)
	if room <= 0 {
		if len(p) > 0 {
			m.truncated = true
		}
		return
	}
	if len(p) > room {
		p = p[:room]
		m.truncated = true
	}
	*dst = append(*dst, p...)
}

func (m *Message) step(p []byte) (int, error) {
	switch m.st {
	case stateHead:
		return m.stepHead(p)
	case stateFixed:
		k := int64(len(p))
		if k > m.remaining {
			k = m.remaining
		}
		m.keep(&m.body, p[:k])
		m.remaining -= k
		if m.remaining == 0 {
			m.st = stateDone
		}
		return int(k), nil
	case stateUntilClose:
		m.keep(&m.body, p)
		return len(p), nil
	case stateChunkData:
		k := int64(len(p))
		if k > m.remaining {
			k = m.remaining
		}
		m.keep(&m.body, p[:k])
		m.remaining -= k
		if m.remaining == 0 {
			m.st = stateChunkEnd
		}
		return int(k), nil
	case stateChunkSize, stateChunkEnd, stateTrailer:
		return m.stepLine(p)
	}
	return 0, nil
}

func (m *Message) stepHead(p []byte) (int, error) {
	prev := len(m.head)
	m.head = append(m.head, p...)
	if err := m.checkFirstLine(); err != nil {
		return len(p), err
	}
	from := prev - 3
	if from < 0 {
		from = 0
	}
	end := headEnd(m.head, from)
	if end < 0 {
		if len(m.head) > maxHeadBytes {
			return len(p), errors.New("header block too large")
		}
		return len(p), nil
	}
	used := end - prev
	m.head = m.head[:end]
	if err := m.parseHead(); err != nil {
		return used, err
	}
	return used, nil
}

// headEnd returns the offset just past the blank line ending the header
// block, or -1.
func headEnd(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i >= 1 && b[i-1] == '\n' {
			return i + 1
		}
		if i >= 2 && b[i-1] == '\r' && b[i-2] == '\n' {
			return i + 1
		}
	}
	return -1
}

// checkFirstLine rejects streams that can not be HTTP as soon as the first
// token is visible instead of waiting for a full header block.
func (m *Message) checkFirstLine() error {
	if m.kind == entity.KindResponse {
		k := len(m.head)
		if k > 5 {
			k = 5
		}
		if !bytes.HasPrefix([]byte("HTTP/"), m.head[:k]) {
			return errNoProto
		}
		return nil
	}
	sp := bytes.IndexByte(m.head, ' ')
	if sp < 0 {
		if len(m.head) > len("OPTIONS") && bytes.IndexByte(m.head, '\n') < 0 {
			return errNoMethod
		}
		return nil
	}
	if tok := m.head[:sp]; !ValidMethod(tok) && string(tok) != "PRI" {
		return errNoMethod
	}
	return nil
}

func (m *Message) parseHead() error {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(m.head)))
	first, err := tp.ReadLine()
	if err != nil {
		return err
	}
	if m.kind == entity.KindRequest {
		err = m.parseRequestLine(first)
	} else {
		err = m.parseStatusLine(first)
	}
	if err != nil {
		return err
	}
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return err
	}
	m.msg.Header = http.Header(hdr)
	m.headParsed = true
	return m.selectBody()
}

func (m *Message) parseRequestLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return errors.New("malformed request line " + strconv.Quote(line))
	}
	if parts[0] == "PRI" && parts[1] == "*" {
		return ErrHTTP2Preface
	}
	m.msg.Method, m.msg.Target, m.msg.Proto = parts[0], parts[1], parts[2]
	return nil
}

func (m *Message) parseStatusLine(line string) error {
	proto, status, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return errors.New("malformed status line " + strconv.Quote(line))
	}
	code, _, _ := strings.Cut(status, " ")
	n, err := strconv.Atoi(code)
	if err != nil || len(code) != 3 || n < 100 {
		return errors.New("malformed status code " + strconv.Quote(code))
	}
	m.msg.Proto, m.msg.Status, m.msg.StatusCode = proto, strings.TrimSpace(status), n
	return nil
}

func (m *Message) selectBody() error {
	h := m.msg.Header
	if m.kind == entity.KindResponse {
		code := m.msg.StatusCode
		// interim responses do not answer the request
		if code < 200 {
			m.st = stateDone
			return nil
		}
		var method string
		if m.reqMethod != nil {
			method = m.reqMethod()
		}
		if code == http.StatusNoContent || code == http.StatusNotModified || method == http.MethodHead {
			m.st = stateDone
			return nil
		}
	}
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		if isChunked(te) {
			m.st = stateChunkSize
			return nil
		}
		if m.kind == entity.KindRequest {
			return errors.New("unsupported transfer encoding " + strconv.Quote(strings.Join(te, ",")))
		}
		m.st = stateUntilClose
		return nil
	}
	if cl := h.Values("Content-Length"); len(cl) > 0 {
		n, err := contentLength(cl)
		if err != nil {
			return err
		}
		if n == 0 {
			m.st = stateDone
			return nil
		}
		m.remaining = n
		m.st = stateFixed
		return nil
	}
	if m.kind == entity.KindRequest {
		m.st = stateDone
		return nil
	}
	m.st = stateUntilClose
	return nil
}

func isChunked(te []string) bool {
	last := te[len(te)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), "chunked")
}

func contentLength(values []string) (int64, error) {
	var n int64 = -1
	for _, v := range values {
		for _, f := range strings.Split(v, ",") {
			k, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
			if err != nil || k < 0 {
				return 0, errors.New("invalid Content-Length " + strconv.Quote(v))
			}
			if n >= 0 && k != n {
				return 0, errors.New("conflicting Content-Length values")
			}
			n = k
		}
	}
	return n, nil
}

func (m *Message) stepLine(p []byte) (int, error) {
	i := bytes.IndexByte(p, '\n')
	if i < 0 {
		m.line = append(m.line, p...)
		if len(m.line) > maxLineBytes {
			return len(p), errors.New("chunk framing line too long")
		}
		return len(p), nil
	}
	m.line = append(m.line, p[:i+1]...)
	line := strings.TrimRight(string(m.line), "\r\n")
	m.line = m.line[:0]

	switch m.st {
	case stateChunkSize:
		size, _, _ := strings.Cut(line, ";")
		n, err := strconv.ParseInt(strings.TrimSpace(size), 16, 64)
		if err != nil || n < 0 {
			return i + 1, errors.New("invalid chunk size " + strconv.Quote(line))
		}
		if n == 0 {
			m.st = stateTrailer
		} else {
			m.remaining = n
			m.st = stateChunkData
		}
	case stateChunkEnd:
		if line != "" {
			return i + 1, errors.New("missing CRLF after chunk data")
		}
		m.st = stateChunkSize
	case stateTrailer:
		if line == "" {
			m.st = stateDone
		}
	}
	return i + 1, nil
}

var methods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodConnect: {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// ValidMethod reports whether tok is a standard HTTP method.
func ValidMethod(tok []byte) bool {
	_, ok := methods[string(tok)]
	return ok
}

// StartsRequest reports whether chunk opens with a method token followed by
// a space. Request boundaries are detected this way at read granularity; a
// request that begins in the middle of a chunk is not recognised.
func StartsRequest(chunk []byte) bool {
	sp := bytes.IndexByte(chunk, ' ')
	if sp <= 0 {
		return false
	}
	return ValidMethod(chunk[:sp])
}
