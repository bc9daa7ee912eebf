package ports

import (
	"context"

	"github.com/google/uuid"

	"dastor/internal/domain"
)

// Scanner submits scans and drives their control plane.
type Scanner interface {
	Submit(ctx context.Context, target string) (scanID uuid.UUID, err error)
	Get(ctx context.Context, scanID uuid.UUID) (domain.ScanRecord, error)
	List(ctx context.Context) ([]domain.ScanRecord, error)
	// Await blocks until the scan is completed, failed or stopped.
	Await(ctx context.Context, scanID uuid.UUID) (domain.ScanRecord, error)
	Abort(ctx context.Context, scanID uuid.UUID) error
	Pause(ctx context.Context, scanID uuid.UUID) error
	Resume(ctx context.Context, scanID uuid.UUID) error
}

// TargetValidator rejects targets the service must not scan and returns the
// normalized URL of acceptable ones.
type TargetValidator interface {
	Validate(ctx context.Context, rawurl string) (string, error)
}
