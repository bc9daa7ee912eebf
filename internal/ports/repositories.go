package ports

import (
	"context"

	"github.com/google/uuid"

	"dastor/internal/domain"
)

// ScanRepository persists scan snapshots keyed by scan id.
type ScanRepository interface {
	Save(ctx context.Context, rec domain.ScanRecord) error
	Get(ctx context.Context, scanID uuid.UUID) (domain.ScanRecord, error)
	// List returns records newest first, without findings or logs.
	List(ctx context.Context, limit int) ([]domain.ScanRecord, error)
}

var ErrNotFound = errString("not found")

type errString string

func (e errString) Error() string { return string(e) }
