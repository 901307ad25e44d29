package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides namespace-scoped catalog operations. All keys are
// automatically namespaced, and the client is safe for concurrent use
// from multiple goroutines. Every orchestrator invocation is stateless
// between requests; the only shared state is Redis itself.
type Client struct {
	rdb       *redis.Client
	namespace string
	prefix    string

	now func() time.Time
}

// NewClient creates a catalog client for the given namespace.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if strings.Contains(namespace, ":") {
		return nil, fmt.Errorf("namespace cannot contain ':'")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		prefix:    keyPrefix(namespace),
		now:       time.Now,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Claim atomically reserves a name for the owner (creating the
// formation when the name is unclaimed) and inserts a version row in
// publishing status. Preconditions checked inside the transition:
//
//   - An existing live formation must belong to owner (ErrNotOwner).
//   - A tombstoned formation cannot be resurrected (ErrFormationDeleted).
//   - The version must not already be publishing or published
//     (ErrAlreadyPublished); a failed row at the same number is
//     replaced, which reuses its storage path after the sweeper or
//     compensation cleaned the old blob.
//   - For a new formation, the name's near-duplicate key must not
//     collide with a different existing name (ErrNameConflict).
//
// Claim never touches the latest pointer. formationID is used only
// when the claim creates the formation.
func (c *Client) Claim(ctx context.Context, formationID, name, ownerID string, meta *VersionMeta) (*ClaimResult, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid version metadata: %w", err)
	}

	raw, err := claimScript.Run(ctx, c.rdb, []string{},
		c.prefix,
		name,
		formationID,
		ownerID,
		meta.Version,
		c.now().UnixMilli(),
		nearDuplicateKey(name),
		meta.Description,
		meta.Type,
		meta.License,
		meta.Repository,
		meta.TarballSHA256,
		meta.TarballSize,
		string(meta.Manifest),
		meta.Readme,
		meta.AgentCount,
		boolArg(meta.IsPrerelease),
	).Result()
	if err != nil {
		return nil, mapScriptError(err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, fmt.Errorf("unexpected claim reply: %v", raw)
	}
	fid, _ := reply[0].(string)
	isNew, _ := reply[1].(int64)
	path, _ := reply[2].(string)

	return &ClaimResult{
		FormationID:    fid,
		IsNewFormation: isNew == 1,
		TarballPath:    path,
	}, nil
}

// Finalize atomically promotes the version from publishing to
// published, stamping published_at, and updates the formation's latest
// pointer and denormalized metadata when isNewLatest is set.
//
// expectedCount is the published-version count the caller observed
// when computing latest, with the target version counted as published.
// If the count inside the transaction differs, Finalize fails with
// ErrConcurrentModify and performs no mutation; the caller re-reads
// and retries.
func (c *Client) Finalize(ctx context.Context, formationID, version, latest string, isNewLatest bool, expectedCount int, meta *LatestMeta) error {
	if meta == nil {
		meta = &LatestMeta{}
	}
	err := finalizeScript.Run(ctx, c.rdb, []string{},
		c.prefix,
		formationID,
		version,
		latest,
		boolArg(isNewLatest),
		expectedCount,
		c.now().UnixMilli(),
		meta.Description,
		meta.Type,
		meta.License,
		meta.Repository,
	).Err()
	return mapScriptError(err)
}

// Unpublish atomically removes a published version. newLatest is the
// recomputed latest among the remaining versions ("" when none) and
// meta is that version's own manifest metadata. When the removal
// leaves the formation with zero published versions, the formation is
// tombstoned in the same transaction.
//
// Returns the removed version's tarball path for the caller to delete,
// or "" when nothing was stored. Same optimistic-concurrency contract
// as Finalize, keyed on the current published-version count including
// the target.
func (c *Client) Unpublish(ctx context.Context, formationID, version, newLatest string, expectedCount int, meta *LatestMeta) (string, error) {
	if meta == nil {
		meta = &LatestMeta{}
	}
	path, err := unpublishScript.Run(ctx, c.rdb, []string{},
		c.prefix,
		formationID,
		version,
		newLatest,
		expectedCount,
		c.now().UnixMilli(),
		meta.Description,
		meta.Type,
		meta.License,
		meta.Repository,
	).Text()
	if err != nil {
		return "", mapScriptError(err)
	}
	return path, nil
}

// PromoteStale forces a version still in publishing status created
// before the cutoff into failed status. Returns true if the version
// was promoted.
func (c *Client) PromoteStale(ctx context.Context, formationID, version string, cutoff time.Time) (bool, error) {
	n, err := promoteStaleScript.Run(ctx, c.rdb, []string{},
		c.prefix, formationID, version, cutoff.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to promote stale version: %w", err)
	}
	return n == 1, nil
}

// ReapFailed removes a failed version created before the cutoff,
// tombstoning the formation when no published versions remain.
// Returns the reaped version's tarball path and whether a reap
// happened.
func (c *Client) ReapFailed(ctx context.Context, formationID, version string, cutoff time.Time) (string, bool, error) {
	path, err := reapFailedScript.Run(ctx, c.rdb, []string{},
		c.prefix, formationID, version, cutoff.UnixMilli(), c.now().UnixMilli(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to reap version: %w", err)
	}
	return path, true, nil
}

// MarkVersionFailed moves a version still in publishing status to
// failed. Used by publish compensation; rows in any other status are
// left alone. Returns true if the version was marked.
func (c *Client) MarkVersionFailed(ctx context.Context, formationID, version string) (bool, error) {
	n, err := markFailedScript.Run(ctx, c.rdb, []string{},
		c.prefix, formationID, version,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mark version failed: %w", err)
	}
	return n == 1, nil
}

// TombstoneFormation tombstones a formation. Used by publish
// compensation when the failed publish created the formation; the
// tombstone blocks the name permanently.
func (c *Client) TombstoneFormation(ctx context.Context, formationID string) error {
	err := tombstoneScript.Run(ctx, c.rdb, []string{},
		c.prefix, formationID, c.now().UnixMilli(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to tombstone formation: %w", err)
	}
	return nil
}

// VersionRef identifies a version row independent of its contents.
type VersionRef struct {
	FormationID string
	Version     string
}

// ScanVersions iterates the whole version keyspace and returns a
// reference for every version row. Used by the retention sweeper; not
// intended for request-path reads.
func (c *Client) ScanVersions(ctx context.Context) ([]VersionRef, error) {
	var refs []VersionRef
	pattern := c.prefix + ":version:*"
	keyPrefix := c.prefix + ":version:"

	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan version keys: %w", err)
		}
		for _, key := range keys {
			rest := strings.TrimPrefix(key, keyPrefix)
			parts := strings.SplitN(rest, ":", 2)
			if len(parts) != 2 {
				continue
			}
			refs = append(refs, VersionRef{FormationID: parts[0], Version: parts[1]})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return refs, nil
}

// GetFormation retrieves a formation by id.
// Returns (nil, redis.Nil) if the formation doesn't exist; use
// IsNotFound to check.
func (c *Client) GetFormation(ctx context.Context, formationID string) (*Formation, error) {
	hash, err := c.rdb.HGetAll(ctx, FormationKey(c.namespace, formationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read formation: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return hashToFormation(hash)
}

// GetFormationByName retrieves a formation by canonical name.
// Returns (nil, redis.Nil) if the name is unclaimed.
func (c *Client) GetFormationByName(ctx context.Context, name string) (*Formation, error) {
	fid, err := c.rdb.Get(ctx, NameKey(c.namespace, name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to resolve formation name: %w", err)
	}
	return c.GetFormation(ctx, fid)
}

// ListVersions returns all version rows for a formation, in no
// particular order. Returns an empty slice when the formation has no
// versions.
func (c *Client) ListVersions(ctx context.Context, formationID string) ([]*Version, error) {
	members, err := c.rdb.SMembers(ctx, VersionsKey(c.namespace, formationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}

	versions := make([]*Version, 0, len(members))
	for _, member := range members {
		hash, err := c.rdb.HGetAll(ctx, VersionKey(c.namespace, formationID, member)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read version %s: %w", member, err)
		}
		if len(hash) == 0 {
			// Row deleted between SMEMBERS and HGETALL; skip.
			continue
		}
		v, err := hashToVersion(hash)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// GetVersion retrieves a single version row.
// Returns (nil, redis.Nil) if the version doesn't exist.
func (c *Client) GetVersion(ctx context.Context, formationID, version string) (*Version, error) {
	hash, err := c.rdb.HGetAll(ctx, VersionKey(c.namespace, formationID, version)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return hashToVersion(hash)
}

// IncrementDownloads bumps a formation's download counter. Callers
// treat failures as best-effort and log them; the counter is advisory.
func (c *Client) IncrementDownloads(ctx context.Context, formationID string) error {
	err := c.rdb.HIncrBy(ctx, FormationKey(c.namespace, formationID), "total_downloads", 1).Err()
	if err != nil {
		return fmt.Errorf("failed to increment downloads: %w", err)
	}
	return nil
}

// PutToken stores an API token record, keyed by the SHA-256 hex digest
// of the token string, and marks it as the user's active token. Any
// previously active token for the user is revoked in the same call.
func (c *Client) PutToken(ctx context.Context, tokenHash string, t *Token) error {
	nowMs := c.now().UnixMilli()

	// Revoke the previous active token, if any.
	userKey := UserTokenKey(c.namespace, t.UserID)
	oldHash, err := c.rdb.GetSet(ctx, userKey, tokenHash).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to rotate user token: %w", err)
	}
	if oldHash != "" && oldHash != tokenHash {
		if err := c.rdb.HSet(ctx, TokenKey(c.namespace, oldHash), "revoked_at_ms", nowMs).Err(); err != nil {
			return fmt.Errorf("failed to revoke previous token: %w", err)
		}
	}

	if err := c.rdb.HSet(ctx, TokenKey(c.namespace, tokenHash), tokenToHash(t)).Err(); err != nil {
		return fmt.Errorf("failed to write token: %w", err)
	}
	return nil
}

// GetToken retrieves a token record by the SHA-256 hex digest of the
// token string. Returns (nil, redis.Nil) if no such token exists.
func (c *Client) GetToken(ctx context.Context, tokenHash string) (*Token, error) {
	hash, err := c.rdb.HGetAll(ctx, TokenKey(c.namespace, tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}
	if len(hash) == 0 {
		return nil, redis.Nil
	}
	return hashToToken(hash)
}

// GetActiveToken returns the user's currently active token record, or
// (nil, redis.Nil) when the user has none.
func (c *Client) GetActiveToken(ctx context.Context, userID string) (*Token, error) {
	tokenHash, err := c.rdb.Get(ctx, UserTokenKey(c.namespace, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, redis.Nil
		}
		return nil, fmt.Errorf("failed to read active token: %w", err)
	}
	t, err := c.GetToken(ctx, tokenHash)
	if err != nil {
		return nil, err
	}
	if t.Revoked() {
		return nil, redis.Nil
	}
	return t, nil
}

// RevokeActiveToken revokes the user's currently active token. A user
// with no active token is not an error.
func (c *Client) RevokeActiveToken(ctx context.Context, userID string) error {
	userKey := UserTokenKey(c.namespace, userID)
	tokenHash, err := c.rdb.Get(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to read active token: %w", err)
	}

	nowMs := c.now().UnixMilli()
	if err := c.rdb.HSet(ctx, TokenKey(c.namespace, tokenHash), "revoked_at_ms", nowMs).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if err := c.rdb.Del(ctx, userKey).Err(); err != nil {
		return fmt.Errorf("failed to clear active token: %w", err)
	}
	return nil
}

// IsNotFound returns true if the error is a Redis "key not found"
// error (redis.Nil). Use this to check the Get*/List* reads.
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}

// nearDuplicateKey mirrors the name-governance normalization so the
// claim script can maintain the confusable-name index. Kept in sync
// with internal/names.NearDuplicateKey.
func nearDuplicateKey(name string) string {
	return strings.ToLower(strings.NewReplacer("_", "-", ".", "-").Replace(name))
}
