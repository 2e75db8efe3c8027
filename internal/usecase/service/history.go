package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blackHATred/tapproxy/internal/entity"
	"github.com/blackHATred/tapproxy/internal/obs"
	"github.com/blackHATred/tapproxy/internal/repository"
	"github.com/blackHATred/tapproxy/internal/usecase"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	subscriberBuffer    = 64
)

// ErrRecordNotFound is returned by RecordDetails for unknown ids.
var ErrRecordNotFound = errors.New("record not found")

type History struct {
	repo    repository.History
	timeout time.Duration
	log     *zap.SugaredLogger

	mu   sync.Mutex
	subs map[chan entity.Record]struct{}
}

func NewHistoryService(repo repository.History, storeTimeout time.Duration, log *zap.SugaredLogger) *History {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	return &History{
		repo:    repo,
		timeout: storeTimeout,
		log:     log,
		subs:    make(map[chan entity.Record]struct{}),
	}
}

var _ usecase.HistoryUsecase = (*History)(nil)

func (h *History) Consume(ctx context.Context, in <-chan entity.Observation) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-in:
			if !ok {
				return
			}
			h.observe(ctx, o)
		}
	}
}

func (h *History) observe(ctx context.Context, o entity.Observation) {
	if o.Message == nil {
		return
	}
	h.log.Infow(o.Message.StartLine(),
		"session", o.SessionID,
		"direction", o.Direction.String(),
		"host", o.Host,
		"bytes", len(o.Message.Raw),
		"complete", o.Message.Complete,
	)

	rec := entity.SerializeObservation(uuid.NewString(), o)
	sctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.repo.AddRecord(sctx, rec)
	cancel()
	if err != nil {
		h.log.Errorw("failed to store record", "session", o.SessionID, "err", err)
	}
	h.broadcast(rec)
}

// broadcast never blocks: a subscriber that is not keeping up misses records.
func (h *History) broadcast(rec entity.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

func (h *History) RecordList(ctx context.Context, limit int) ([]entity.RecordListElem, error) {
	list, err := h.repo.ListRecords(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return list, nil
}

func (h *History) RecordDetails(ctx context.Context, id string) (*entity.Record, error) {
	rec, err := h.repo.GetRecord(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

func (h *History) Subscribe() (<-chan entity.Record, func()) {
	ch := make(chan entity.Record, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	obs.LiveSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
			obs.LiveSubscribers.Dec()
		})
	}
}
