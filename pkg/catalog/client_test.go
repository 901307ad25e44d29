package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a catalog client backed by miniredis.
// miniredis executes the transition Lua scripts in-process, so the
// full claim/finalize/unpublish protocol is exercised without a real
// Redis server.
func setupTestClient(t *testing.T) *Client {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func testMeta(version string) *VersionMeta {
	return &VersionMeta{
		Version:       version,
		TarballSHA256: "abc123",
		TarballSize:   1024,
		Manifest:      []byte(`{"name":"daily-ops","version":"` + version + `"}`),
		Readme:        "# readme",
		AgentCount:    2,
		Description:   "test formation",
		Type:          "solo",
		License:       "MIT",
	}
}

func TestNewClient(t *testing.T) {
	t.Run("rejects empty namespace", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
	})

	t.Run("rejects namespace with colon", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "a:b")
		assert.Error(t, err)
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	t.Run("creates formation on first claim", func(t *testing.T) {
		client := setupTestClient(t)
		fid := NewFormationID()

		result, err := client.Claim(ctx, fid, "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, fid, result.FormationID)
		assert.True(t, result.IsNewFormation)
		assert.Equal(t, "formations/"+fid+"/1.0.0.tar.gz", result.TarballPath)

		f, err := client.GetFormationByName(ctx, "daily-ops")
		require.NoError(t, err)
		assert.Equal(t, "user-1", f.OwnerID)
		assert.Empty(t, f.LatestVersion, "claim must not touch the latest pointer")
		assert.False(t, f.Deleted())

		v, err := client.GetVersion(ctx, fid, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusPublishing, v.Status)
		assert.Zero(t, v.PublishedAtMs)
	})

	t.Run("adds version to existing formation", func(t *testing.T) {
		client := setupTestClient(t)
		first, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		second, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.1.0"))
		require.NoError(t, err)
		assert.False(t, second.IsNewFormation)
		assert.Equal(t, first.FormationID, second.FormationID, "never two formations with the same name")
	})

	t.Run("rejects claim by non-owner", func(t *testing.T) {
		client := setupTestClient(t)
		_, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		_, err = client.Claim(ctx, NewFormationID(), "daily-ops", "user-2", testMeta("1.1.0"))
		assert.ErrorIs(t, err, ErrNotOwner)
	})

	t.Run("rejects duplicate version", func(t *testing.T) {
		client := setupTestClient(t)
		_, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		_, err = client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		assert.ErrorIs(t, err, ErrAlreadyPublished)
	})

	t.Run("reclaims a failed version at the same path", func(t *testing.T) {
		client := setupTestClient(t)
		fid := NewFormationID()
		first, err := client.Claim(ctx, fid, "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		// Simulate a failed publish.
		promoted, err := client.PromoteStale(ctx, fid, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)
		require.True(t, promoted)

		again, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)
		assert.Equal(t, first.TarballPath, again.TarballPath)

		v, err := client.GetVersion(ctx, fid, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusPublishing, v.Status)
	})

	t.Run("rejects near-duplicate names", func(t *testing.T) {
		client := setupTestClient(t)
		_, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		// "daily.ops" normalizes to the same key as "daily-ops".
		// (Canonical names never contain dots; the index guards names
		// that normalize onto an existing claim.)
		_, err = client.Claim(ctx, NewFormationID(), "daily.ops", "user-2", testMeta("1.0.0"))
		assert.ErrorIs(t, err, ErrNameConflict)
	})
}

// publishVersion drives claim+finalize to completion for test setup.
func publishVersion(t *testing.T, client *Client, name, owner, version string, prerelease bool) string {
	t.Helper()
	ctx := context.Background()

	meta := testMeta(version)
	meta.IsPrerelease = prerelease
	result, err := client.Claim(ctx, NewFormationID(), name, owner, meta)
	require.NoError(t, err)

	versions, err := client.ListVersions(ctx, result.FormationID)
	require.NoError(t, err)
	published := 0
	for _, v := range versions {
		if v.Status == StatusPublished || v.Version == version {
			published++
		}
	}

	// The caller decides latest; tests recompute the obvious way.
	latest := ""
	for _, v := range versions {
		eligible := (v.Status == StatusPublished || v.Version == version) && !v.IsPrerelease && !(v.Version == version && prerelease)
		if eligible && v.Version > latest {
			latest = v.Version
		}
	}

	err = client.Finalize(ctx, result.FormationID, version, latest, latest == version, published,
		&LatestMeta{Description: "test formation", Type: "solo", License: "MIT"})
	require.NoError(t, err)
	return result.FormationID
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and sets latest", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		v, err := client.GetVersion(ctx, fid, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusPublished, v.Status)
		assert.NotZero(t, v.PublishedAtMs)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", f.LatestVersion)
		assert.Equal(t, "test formation", f.Description)
	})

	t.Run("fails with ConcurrentModify on count mismatch", func(t *testing.T) {
		client := setupTestClient(t)
		result, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		err = client.Finalize(ctx, result.FormationID, "1.0.0", "1.0.0", true, 99, nil)
		assert.ErrorIs(t, err, ErrConcurrentModify)

		// No partial state change: the row stays in publishing.
		v, err := client.GetVersion(ctx, result.FormationID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusPublishing, v.Status)
		f, err := client.GetFormation(ctx, result.FormationID)
		require.NoError(t, err)
		assert.Empty(t, f.LatestVersion)
	})

	t.Run("fails for version not in publishing status", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		err := client.Finalize(ctx, fid, "1.0.0", "1.0.0", true, 1, nil)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})

	t.Run("keeps existing latest when not new latest", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.1.0", false)
		publishVersion(t, client, "daily-ops", "user-1", "1.0.1", false)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.Equal(t, "1.1.0", f.LatestVersion)
	})
}

func TestUnpublish(t *testing.T) {
	ctx := context.Background()

	t.Run("removes version and updates latest", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)
		publishVersion(t, client, "daily-ops", "user-1", "1.1.0", false)

		path, err := client.Unpublish(ctx, fid, "1.1.0", "1.0.0", 2,
			&LatestMeta{Description: "older", Type: "solo"})
		require.NoError(t, err)
		assert.Equal(t, "formations/"+fid+"/1.1.0.tar.gz", path)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", f.LatestVersion)
		assert.Equal(t, "older", f.Description)
		assert.False(t, f.Deleted())

		_, err = client.GetVersion(ctx, fid, "1.1.0")
		assert.True(t, IsNotFound(err))
	})

	t.Run("tombstones formation when last published version removed", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		_, err := client.Unpublish(ctx, fid, "1.0.0", "", 1, nil)
		require.NoError(t, err)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.True(t, f.Deleted())
		assert.Empty(t, f.LatestVersion)

		// A tombstoned formation cannot be resurrected through publish.
		_, err = client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("2.0.0"))
		assert.ErrorIs(t, err, ErrFormationDeleted)
	})

	t.Run("keeps formation alive while prereleases remain published", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)
		publishVersion(t, client, "daily-ops", "user-1", "2.0.0-rc.1", true)

		// Removing the only stable version clears latest but the
		// prerelease is still published, so no tombstone.
		_, err := client.Unpublish(ctx, fid, "1.0.0", "", 2, nil)
		require.NoError(t, err)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.Empty(t, f.LatestVersion)
		assert.False(t, f.Deleted())
	})

	t.Run("fails with ConcurrentModify on count mismatch", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		_, err := client.Unpublish(ctx, fid, "1.0.0", "", 7, nil)
		assert.ErrorIs(t, err, ErrConcurrentModify)
	})

	t.Run("fails for unknown version", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		_, err := client.Unpublish(ctx, fid, "9.9.9", "", 1, nil)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestSweeperTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes stale publishing rows", func(t *testing.T) {
		client := setupTestClient(t)
		result, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		// Cutoff before creation: too young, not promoted.
		promoted, err := client.PromoteStale(ctx, result.FormationID, "1.0.0", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, promoted)

		// Cutoff after creation: promoted to failed.
		promoted, err = client.PromoteStale(ctx, result.FormationID, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, promoted)

		v, err := client.GetVersion(ctx, result.FormationID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, v.Status)
	})

	t.Run("does not promote published rows", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		promoted, err := client.PromoteStale(ctx, fid, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, promoted)
	})

	t.Run("reaps failed rows and tombstones empty formations", func(t *testing.T) {
		client := setupTestClient(t)
		result, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)

		_, err = client.PromoteStale(ctx, result.FormationID, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)

		path, reaped, err := client.ReapFailed(ctx, result.FormationID, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, reaped)
		assert.Equal(t, result.TarballPath, path)

		_, err = client.GetVersion(ctx, result.FormationID, "1.0.0")
		assert.True(t, IsNotFound(err))

		f, err := client.GetFormation(ctx, result.FormationID)
		require.NoError(t, err)
		assert.True(t, f.Deleted())
	})

	t.Run("reap keeps formations with published versions", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		meta := testMeta("2.0.0")
		_, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", meta)
		require.NoError(t, err)
		_, err = client.PromoteStale(ctx, fid, "2.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)

		_, reaped, err := client.ReapFailed(ctx, fid, "2.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, reaped)

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.False(t, f.Deleted(), "formation with published versions must not be tombstoned")
	})

	t.Run("reap ignores young failed rows", func(t *testing.T) {
		client := setupTestClient(t)
		result, err := client.Claim(ctx, NewFormationID(), "daily-ops", "user-1", testMeta("1.0.0"))
		require.NoError(t, err)
		_, err = client.PromoteStale(ctx, result.FormationID, "1.0.0", time.Now().Add(time.Hour))
		require.NoError(t, err)

		_, reaped, err := client.ReapFailed(ctx, result.FormationID, "1.0.0", time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, reaped)
	})
}

func TestScanVersions(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)

	fid1 := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)
	fid2 := publishVersion(t, client, "night-ops", "user-1", "0.1.0", false)

	refs, err := client.ScanVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Contains(t, refs, VersionRef{FormationID: fid1, Version: "1.0.0"})
	assert.Contains(t, refs, VersionRef{FormationID: fid2, Version: "0.1.0"})
}

func TestReads(t *testing.T) {
	ctx := context.Background()

	t.Run("not found errors", func(t *testing.T) {
		client := setupTestClient(t)

		_, err := client.GetFormationByName(ctx, "ghost")
		assert.True(t, IsNotFound(err))

		_, err = client.GetFormation(ctx, "no-such-id")
		assert.True(t, IsNotFound(err))

		_, err = client.GetVersion(ctx, "no-such-id", "1.0.0")
		assert.True(t, IsNotFound(err))
	})

	t.Run("lists all versions", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)
		publishVersion(t, client, "daily-ops", "user-1", "1.1.0", false)

		versions, err := client.ListVersions(ctx, fid)
		require.NoError(t, err)
		assert.Len(t, versions, 2)
	})

	t.Run("increments downloads", func(t *testing.T) {
		client := setupTestClient(t)
		fid := publishVersion(t, client, "daily-ops", "user-1", "1.0.0", false)

		require.NoError(t, client.IncrementDownloads(ctx, fid))
		require.NoError(t, client.IncrementDownloads(ctx, fid))

		f, err := client.GetFormation(ctx, fid)
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.TotalDownloads)
	})
}

func TestTokens(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and retrieves tokens", func(t *testing.T) {
		client := setupTestClient(t)
		token := &Token{ID: "tok-1", UserID: "user-1", Prefix: "reef_tok_abcd", CreatedAtMs: 42}

		require.NoError(t, client.PutToken(ctx, "hash-1", token))

		got, err := client.GetToken(ctx, "hash-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.False(t, got.Revoked())

		active, err := client.GetActiveToken(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", active.ID)
	})

	t.Run("minting revokes the previous token", func(t *testing.T) {
		client := setupTestClient(t)
		require.NoError(t, client.PutToken(ctx, "hash-1", &Token{ID: "tok-1", UserID: "user-1", Prefix: "p1"}))
		require.NoError(t, client.PutToken(ctx, "hash-2", &Token{ID: "tok-2", UserID: "user-1", Prefix: "p2"}))

		old, err := client.GetToken(ctx, "hash-1")
		require.NoError(t, err)
		assert.True(t, old.Revoked())

		active, err := client.GetActiveToken(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "tok-2", active.ID)
	})

	t.Run("revoke active token", func(t *testing.T) {
		client := setupTestClient(t)
		require.NoError(t, client.PutToken(ctx, "hash-1", &Token{ID: "tok-1", UserID: "user-1", Prefix: "p1"}))

		require.NoError(t, client.RevokeActiveToken(ctx, "user-1"))

		_, err := client.GetActiveToken(ctx, "user-1")
		assert.True(t, IsNotFound(err))

		// Revoking again is a no-op.
		assert.NoError(t, client.RevokeActiveToken(ctx, "user-1"))
	})
}
