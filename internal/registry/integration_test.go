//go:build integration

package registry

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/manifest"
	"github.com/openreef/tide/internal/names"
	"github.com/openreef/tide/internal/testutil"
	"github.com/openreef/tide/pkg/catalog"
)

// TestPublishAgainstRealRedis runs the full publish/unpublish protocol
// against an actual Redis server, including concurrent publishers
// racing on the same formation. miniredis executes scripts in-process;
// this suite confirms the transitions behave the same under real
// EVALSHA semantics.
func TestPublishAgainstRealRedis(t *testing.T) {
	opts := testutil.StartRedis(t)

	client, err := catalog.NewClient(opts, "integration")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store, err := blob.NewStore(t.TempDir(), "http://localhost/blobs", []byte("test-secret"))
	require.NoError(t, err)

	validator, err := manifest.NewValidator()
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	publisher := NewPublisher(client, store, validator, names.NewReservedSet(nil), logger)
	unpublisher := NewUnpublisher(client, store, logger)
	ctx := context.Background()

	t.Run("publish and unpublish round trip", func(t *testing.T) {
		_, err := publisher.Publish(ctx, "user-1", "daily-ops", formationTarball(t, "daily-ops", "1.0.0", "first"))
		require.NoError(t, err)
		_, err = publisher.Publish(ctx, "user-1", "daily-ops", formationTarball(t, "daily-ops", "1.1.0", "second"))
		require.NoError(t, err)

		f, err := client.GetFormationByName(ctx, "daily-ops")
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", f.LatestVersion)

		require.NoError(t, unpublisher.Unpublish(ctx, "user-1", "daily-ops", "1.1.0"))

		f, err = client.GetFormationByName(ctx, "daily-ops")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", f.LatestVersion)
	})

	t.Run("concurrent publishes to one formation all land", func(t *testing.T) {
		const writers = 8

		_, err := publisher.Publish(ctx, "user-1", "night-ops", formationTarball(t, "night-ops", "0.1.0", "seed"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				version := fmt.Sprintf("1.%d.0", i)
				_, errs[i] = publisher.Publish(ctx, "user-1", "night-ops", formationTarball(t, "night-ops", version, "racer"))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else {
				// The only acceptable failure mode under contention.
				assert.ErrorIs(t, err, ErrContention)
			}
		}
		require.Positive(t, succeeded)

		// The latest pointer must agree with the published set.
		f, err := client.GetFormationByName(ctx, "night-ops")
		require.NoError(t, err)
		v, err := client.GetVersion(ctx, f.ID, f.LatestVersion)
		require.NoError(t, err)
		assert.Equal(t, catalog.StatusPublished, v.Status)
	})
}
