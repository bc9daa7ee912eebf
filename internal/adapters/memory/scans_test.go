package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dastor/internal/domain"
	"dastor/internal/ports"
)

func TestScanRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewScanRepository()
	rec := domain.ScanRecord{
		ID:     uuid.New(),
		Status: domain.StatusRunning,
		Target: "http://example.com",
		Vulnerabilities: []domain.Finding{
			domain.NewFinding("zap", "XSS", domain.SeverityHigh, "http://example.com/q"),
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Save(ctx, rec))

	rec.Vulnerabilities[0].Name = "mutated"
	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "XSS", got.Vulnerabilities[0].Name, "stored copy is isolated from the caller")

	_, err = repo.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestScanRepositoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewScanRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, repo.Save(ctx, domain.ScanRecord{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	all, err := repo.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	two, err := repo.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}
