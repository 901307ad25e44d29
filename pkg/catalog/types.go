package catalog

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Formation is a named registry entry. The name is claimed atomically
// by the first successful publish and is immutable afterwards.
// Formations are tombstoned (DeletedAtMs set), never physically
// removed, so a deleted name cannot be resurrected by a later publish.
type Formation struct {
	ID             string `json:"id"`              // UUID assigned at first successful claim
	Name           string `json:"name"`            // Canonical, unique, immutable
	OwnerID        string `json:"owner_id"`        // Identity reference of the publisher
	Description    string `json:"description"`     // Denormalized from the latest version's manifest
	Type           string `json:"type"`            // Denormalized from the latest version's manifest
	License        string `json:"license"`         // Denormalized from the latest version's manifest
	Repository     string `json:"repository"`      // Denormalized from the latest version's manifest
	LatestVersion  string `json:"latest_version"`  // Derived pointer; empty means no eligible version
	TotalDownloads int64  `json:"total_downloads"` // Monotonic counter, best-effort increments
	CreatedAtMs    int64  `json:"created_at_ms"`
	UpdatedAtMs    int64  `json:"updated_at_ms"`
	DeletedAtMs    int64  `json:"deleted_at_ms"` // Tombstone timestamp; 0 means live
}

// Deleted reports whether the formation is tombstoned.
func (f *Formation) Deleted() bool {
	return f.DeletedAtMs != 0
}

// VersionStatus is the lifecycle state of a version row.
// Transitions: publishing -> published (finalize), publishing ->
// failed (compensation or sweeper timeout), published -> removed
// (unpublish), failed -> removed (sweeper reap). There is no
// transition back into publishing.
type VersionStatus string

const (
	// StatusPublishing is the initial state set by Claim: the version
	// row exists but its tarball may not be uploaded yet.
	StatusPublishing VersionStatus = "publishing"

	// StatusPublished is the success state set by Finalize.
	StatusPublished VersionStatus = "published"

	// StatusFailed marks debris from a failed publish, awaiting the
	// retention sweeper.
	StatusFailed VersionStatus = "failed"
)

// Validate checks if the VersionStatus is a valid enum value.
func (vs VersionStatus) Validate() error {
	switch vs {
	case StatusPublishing, StatusPublished, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown version status: %q", vs)
	}
}

// Version is one immutable release of a Formation. Identity fields
// never change after Claim creates the row; only Status and
// PublishedAtMs mutate.
type Version struct {
	Version       string        `json:"version"` // Valid semver, unique per formation
	Status        VersionStatus `json:"status"`
	TarballSHA256 string        `json:"tarball_sha256"`
	TarballSize   int64         `json:"tarball_size"`
	TarballPath   string        `json:"tarball_path"`
	Manifest      []byte        `json:"manifest"` // Raw reef.json document
	Readme        string        `json:"readme"`
	AgentCount    int           `json:"agent_count"`
	IsPrerelease  bool          `json:"is_prerelease"`
	CreatedAtMs   int64         `json:"created_at_ms"`
	PublishedAtMs int64         `json:"published_at_ms"` // Set only on transition to published
}

// VersionMeta carries everything Claim needs to create a version row,
// plus the denormalized formation metadata used when the claim creates
// a new formation.
type VersionMeta struct {
	Version       string
	TarballSHA256 string
	TarballSize   int64
	Manifest      []byte
	Readme        string
	AgentCount    int
	IsPrerelease  bool

	Description string
	Type        string
	License     string
	Repository  string
}

// Validate checks the claim inputs that the transition script assumes
// are well-formed.
func (m *VersionMeta) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if m.TarballSHA256 == "" {
		return fmt.Errorf("tarball sha256 cannot be empty")
	}
	if m.TarballSize <= 0 {
		return fmt.Errorf("tarball size must be positive, got %d", m.TarballSize)
	}
	return nil
}

// LatestMeta is the manifest metadata denormalized onto the formation
// row whenever the latest pointer changes. Finalize applies it when
// the just-published version becomes latest; Unpublish applies the
// incoming latest version's own metadata, not the deleted version's.
type LatestMeta struct {
	Description string
	Type        string
	License     string
	Repository  string
}

// ClaimResult is returned by a successful Claim.
type ClaimResult struct {
	FormationID    string
	IsNewFormation bool
	TarballPath    string // Deterministic storage path for the tarball
}

// Token is an API token record. Only the SHA-256 of the token string
// is stored; the plaintext is shown once at mint time.
type Token struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Prefix      string `json:"prefix"` // Leading characters kept for dashboard display
	CreatedAtMs int64  `json:"created_at_ms"`
	RevokedAtMs int64  `json:"revoked_at_ms"` // 0 means active
}

// Revoked reports whether the token has been revoked.
func (t *Token) Revoked() bool {
	return t.RevokedAtMs != 0
}

// Conflict and precondition errors surfaced by the atomic transitions.
// Infrastructure errors (Redis unavailability etc.) are returned
// wrapped, never mapped onto these.
var (
	// ErrNotOwner: the formation exists and belongs to someone else.
	ErrNotOwner = errors.New("not the formation owner")

	// ErrAlreadyPublished: a version row with this number already
	// exists in publishing or published status.
	ErrAlreadyPublished = errors.New("version already published")

	// ErrFormationDeleted: the name belongs to a tombstoned formation;
	// there is no resurrection through publish.
	ErrFormationDeleted = errors.New("formation has been deleted")

	// ErrNameConflict: the name's near-duplicate key collides with a
	// different existing formation name.
	ErrNameConflict = errors.New("name conflicts with an existing formation")

	// ErrConcurrentModify: the version-count fingerprint supplied by
	// the caller no longer matches; re-read and retry.
	ErrConcurrentModify = errors.New("concurrent modification detected")

	// ErrVersionNotFound: the target version row is absent or not in
	// the status the transition expects.
	ErrVersionNotFound = errors.New("version not found")
)

// NewFormationID generates a fresh formation identifier. The caller
// supplies it to Claim so the transition is a single round trip even
// when it creates the formation.
func NewFormationID() string {
	return uuid.New().String()
}
