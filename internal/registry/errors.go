package registry

import "errors"

// Request-level errors returned by the publish and unpublish
// orchestrators. The API layer maps these onto HTTP status codes;
// catalog sentinels (catalog.ErrNotOwner etc.) pass through unwrapped
// alongside them.
var (
	// ErrInvalidName: the requested name fails the naming rules.
	ErrInvalidName = errors.New("invalid formation name")

	// ErrPayloadTooLarge: the uploaded tarball exceeds the size cap.
	ErrPayloadTooLarge = errors.New("tarball too large")

	// ErrInvalidTarball: the upload is not a readable gzip tar archive
	// with a manifest at its root.
	ErrInvalidTarball = errors.New("invalid tarball")

	// ErrInvalidManifest: the manifest failed to parse or violated the
	// structural schema. The message lists every violation.
	ErrInvalidManifest = errors.New("invalid manifest")

	// ErrInvalidVersion: the manifest's version is not strict semver.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrNameMismatch: the manifest names a different formation than the
	// request targets.
	ErrNameMismatch = errors.New("manifest name does not match request")

	// ErrNameReserved: the name is on the registry's reserved list.
	ErrNameReserved = errors.New("name is reserved")

	// ErrFormationNotFound: no live formation is registered under the
	// requested name.
	ErrFormationNotFound = errors.New("formation not found")

	// ErrContention: the operation kept losing the optimistic-concurrency
	// race and gave up after its retry budget. The request is safe to
	// repeat.
	ErrContention = errors.New("registry busy, please retry")
)
