package cli

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitespeed-identity/internal/config"
	"bitespeed-identity/internal/logger"
	"bitespeed-identity/internal/models"
)

type flakyIdentifier struct {
	conflicts int
	calls     int
}

func (f *flakyIdentifier) Identify(context.Context, models.IdentifyRequest) (*models.IdentifyResponse, error) {
	f.calls++
	if f.calls <= f.conflicts {
		return nil, models.NewConflictError("insert contact", errors.New("database is locked"))
	}
	return &models.IdentifyResponse{Contact: models.ContactResponse{PrimaryContactID: 1}}, nil
}

func TestIdentifyWithRetry(t *testing.T) {
	cfg := config.IdentifyConfig{MaxRetries: 2, RetryBackoff: time.Millisecond}

	t.Run("conflict retried", func(t *testing.T) {
		svc := &flakyIdentifier{conflicts: 2}
		resp, err := identifyWithRetry(context.Background(), logger.Discard(), svc, models.IdentifyRequest{}, cfg)
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
		assert.Equal(t, 3, svc.calls)
	})

	t.Run("retries exhausted", func(t *testing.T) {
		svc := &flakyIdentifier{conflicts: 5}
		_, err := identifyWithRetry(context.Background(), logger.Discard(), svc, models.IdentifyRequest{}, cfg)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrConflict))
		assert.Equal(t, 3, svc.calls)
	})
}
