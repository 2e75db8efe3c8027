package entity

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
)

func (k MessageKind) String() string {
	if k == KindResponse {
		return "response"
	}
	return "request"
}

// Message is one reassembled HTTP request or response as seen on the wire.
type Message struct {
	Kind       MessageKind
	Method     string
	Target     string
	Proto      string
	StatusCode int
	Status     string
	Header     http.Header
	// Body is the payload with any chunked framing removed.
	Body []byte
	// Raw holds the exact bytes that made up the message.
	Raw       []byte
	Truncated bool
	// Complete is false for messages cut short by the end of the stream or
	// flushed by request boundary detection before their framing finished.
	Complete bool
}

// StartLine renders the request or status line.
func (m *Message) StartLine() string {
	if m.Kind == KindResponse {
		return strings.TrimSpace(m.Proto + " " + m.Status)
	}
	return strings.TrimSpace(m.Method + " " + m.Target + " " + m.Proto)
}

// Observation is what a copier hands to the observer channel.
type Observation struct {
	SessionID string
	Direction Direction
	Host      string
	At        time.Time
	Message   *Message
}

// CertPair is a PEM encoded leaf certificate and its private key.
type CertPair struct {
	Cert []byte
	Key  []byte
}

type Record struct {
	ID         string            `bson:"_id" json:"id"`
	SessionID  string            `bson:"session_id" json:"session_id"`
	Direction  string            `bson:"direction" json:"direction"`
	Kind       string            `bson:"kind" json:"kind"`
	Host       string            `bson:"host" json:"host"`
	Method     string            `bson:"method,omitempty" json:"method,omitempty"`
	URL        string            `bson:"url,omitempty" json:"url,omitempty"`
	Proto      string            `bson:"proto" json:"proto"`
	StatusCode int               `bson:"status_code,omitempty" json:"status_code,omitempty"`
	Header     map[string]string `bson:"header" json:"header"`
	Body       string            `bson:"body" json:"body"`
	Complete   bool              `bson:"complete" json:"complete"`
	Truncated  bool              `bson:"truncated,omitempty" json:"truncated,omitempty"`
	DateTime   time.Time         `bson:"datetime" json:"datetime"`
}

type RecordListElem struct {
	ID        string    `json:"id"`
	DateTime  time.Time `json:"datetime"`
	Direction string    `json:"direction"`
	Summary   string    `json:"summary"`
}

// SerializeObservation flattens an observation into its stored form.
func SerializeObservation(id string, o Observation) Record {
	m := o.Message
	header := make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		header[k] = strings.Join(v, ", ")
	}
	return Record{
		ID:         id,
		SessionID:  o.SessionID,
		Direction:  o.Direction.String(),
		Kind:       m.Kind.String(),
		Host:       o.Host,
		Method:     m.Method,
		URL:        m.Target,
		Proto:      m.Proto,
		StatusCode: m.StatusCode,
		Header:     header,
		Body:       string(m.Body),
		Complete:   m.Complete,
		Truncated:  m.Truncated,
		DateTime:   o.At,
	}
}

func (r Record) ListElem() RecordListElem {
	summary := strings.TrimSpace(r.Method + " " + r.URL)
	if r.Kind == KindResponse.String() {
		summary = strings.TrimSpace(r.Proto + " " + strconv.Itoa(r.StatusCode) + " " + http.StatusText(r.StatusCode))
	}
	return RecordListElem{
		ID:        r.ID,
		DateTime:  r.DateTime,
		Direction: r.Direction,
		Summary:   summary,
	}
}
