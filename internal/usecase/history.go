package usecase

import (
	"context"

	"github.com/blackHATred/tapproxy/internal/entity"
)

type HistoryUsecase interface {
	// Consume drains the observer channel until it is closed or ctx ends.
	Consume(ctx context.Context, in <-chan entity.Observation)
	RecordList(ctx context.Context, limit int) ([]entity.RecordListElem, error)
	RecordDetails(ctx context.Context, id string) (*entity.Record, error)
	// Subscribe registers a live feed; the returned func unregisters it.
	Subscribe() (<-chan entity.Record, func())
}
