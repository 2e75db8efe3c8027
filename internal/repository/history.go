package repository

import (
	"context"
	"errors"

	"github.com/blackHATred/tapproxy/internal/entity"
)

// ErrNotFound is returned by every backend when a key has no entry.
var ErrNotFound = errors.New("not found")

// Certificates persists leaf certificate/key pairs keyed by hostname.
// Entries are never invalidated; Save overwrites.
type Certificates interface {
	Load(ctx context.Context, host string) (entity.CertPair, error)
	Save(ctx context.Context, host string, pair entity.CertPair) error
}

// History stores observed messages for the inspector.
type History interface {
	AddRecord(ctx context.Context, rec entity.Record) error
	GetRecord(ctx context.Context, id string) (*entity.Record, error)
	// ListRecords returns at most limit entries, newest first.
	ListRecords(ctx context.Context, limit int) ([]entity.RecordListElem, error)
}
