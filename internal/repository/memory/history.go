// Package memory keeps the most recent observed messages in process.
package memory

import (
	"context"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/repository"
	lru "github.com/hashicorp/golang-lru/v2"
)

// historyCache orders records by insertion. Lookups use Peek so reading a
// record never saves it from eviction.
type historyCache struct {
	records *lru.Cache[string, entity.Record]
}

// NewHistoryRepository keeps at most capacity records, dropping the oldest.
func NewHistoryRepository(capacity int) repository.History {
	if capacity <= 0 {
		capacity = 1
	}
	// only a non-positive size is rejected
	records, _ := lru.New[string, entity.Record](capacity)
	return &historyCache{records: records}
}

func (h *historyCache) AddRecord(_ context.Context, rec entity.Record) error {
	h.records.Add(rec.ID, rec)
	return nil
}

func (h *historyCache) GetRecord(_ context.Context, id string) (*entity.Record, error) {
	rec, ok := h.records.Peek(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (h *historyCache) ListRecords(_ context.Context, limit int) ([]entity.RecordListElem, error) {
	keys := h.records.Keys()
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}
	out := make([]entity.RecordListElem, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		// evicted since Keys was taken
		rec, ok := h.records.Peek(keys[i])
		if !ok {
			continue
		}
		out = append(out, rec.ListElem())
	}
	return out, nil
}
