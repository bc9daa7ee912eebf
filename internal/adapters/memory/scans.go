// Package memory keeps scan records in process memory. It is used when no
// database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

type ScanRepository struct {
	mu    sync.RWMutex
	scans map[uuid.UUID]domain.ScanRecord
}

var _ ports.ScanRepository = (*ScanRepository)(nil)

func NewScanRepository() *ScanRepository {
	return &ScanRepository{scans: make(map[uuid.UUID]domain.ScanRecord)}
}

func (r *ScanRepository) Save(ctx context.Context, rec domain.ScanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans[rec.ID] = rec.Clone()
	return nil
}

func (r *ScanRepository) Get(ctx context.Context, id uuid.UUID) (domain.ScanRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.scans[id]
	if !ok {
		return domain.ScanRecord{}, ports.ErrNotFound
	}
	return rec.Clone(), nil
}

// List returns up to limit records, newest first. A limit below one means
// no limit.
func (r *ScanRepository) List(ctx context.Context, limit int) ([]domain.ScanRecord, error) {
	r.mu.RLock()
	out := make([]domain.ScanRecord, 0, len(r.scans))
	for _, rec := range r.scans {
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
