package catalog

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced so multiple registry instances can coexist
// on a single Redis server.
//
// Key pattern: tide:{namespace}:{entity}:{identifier}

// keyPrefix returns the common prefix for a namespace.
func keyPrefix(namespace string) string {
	return fmt.Sprintf("tide:%s", namespace)
}

// NameKey returns the key mapping a canonical name to its formation id.
// Pattern: tide:{namespace}:name:{name}
func NameKey(namespace, name string) string {
	return fmt.Sprintf("tide:%s:name:%s", namespace, name)
}

// NearDupKey returns the key of the near-duplicate index entry for a
// normalized name key. The value is the canonical name that owns it.
// Pattern: tide:{namespace}:namekey:{normalized}
func NearDupKey(namespace, normalized string) string {
	return fmt.Sprintf("tide:%s:namekey:%s", namespace, normalized)
}

// FormationKey returns the key of a formation hash.
// Pattern: tide:{namespace}:formation:{formation_id}
func FormationKey(namespace, formationID string) string {
	return fmt.Sprintf("tide:%s:formation:%s", namespace, formationID)
}

// VersionsKey returns the key of the set holding a formation's version
// strings.
// Pattern: tide:{namespace}:versions:{formation_id}
func VersionsKey(namespace, formationID string) string {
	return fmt.Sprintf("tide:%s:versions:%s", namespace, formationID)
}

// VersionKey returns the key of a version hash.
// Pattern: tide:{namespace}:version:{formation_id}:{version}
func VersionKey(namespace, formationID, version string) string {
	return fmt.Sprintf("tide:%s:version:%s:%s", namespace, formationID, version)
}

// TokenKey returns the key of an API token hash, addressed by the
// SHA-256 hex digest of the token string.
// Pattern: tide:{namespace}:token:{sha256}
func TokenKey(namespace, tokenHash string) string {
	return fmt.Sprintf("tide:%s:token:%s", namespace, tokenHash)
}

// UserTokenKey returns the key holding a user's currently active token
// hash, used to revoke the previous token when a new one is minted.
// Pattern: tide:{namespace}:usertoken:{user_id}
func UserTokenKey(namespace, userID string) string {
	return fmt.Sprintf("tide:%s:usertoken:%s", namespace, userID)
}
