package catalog

import (
	"fmt"
	"strconv"
)

// Serialization helpers for converting Redis hashes back to Go structs.
// Writes happen inside the transition scripts, so only the decode
// direction lives here. Redis stores everything as strings; numeric
// and boolean fields are parsed leniently (a missing field decodes to
// the zero value) because older rows may predate newer fields.

// hashToFormation converts a formation Redis hash to a Formation.
func hashToFormation(hash map[string]string) (*Formation, error) {
	if hash["id"] == "" {
		return nil, fmt.Errorf("formation hash missing id field")
	}

	totalDownloads, _ := strconv.ParseInt(hash["total_downloads"], 10, 64)
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)
	deletedAtMs, _ := strconv.ParseInt(hash["deleted_at_ms"], 10, 64)

	return &Formation{
		ID:             hash["id"],
		Name:           hash["name"],
		OwnerID:        hash["owner_id"],
		Description:    hash["description"],
		Type:           hash["type"],
		License:        hash["license"],
		Repository:     hash["repository"],
		LatestVersion:  hash["latest_version"],
		TotalDownloads: totalDownloads,
		CreatedAtMs:    createdAtMs,
		UpdatedAtMs:    updatedAtMs,
		DeletedAtMs:    deletedAtMs,
	}, nil
}

// hashToVersion converts a version Redis hash to a Version.
func hashToVersion(hash map[string]string) (*Version, error) {
	status := VersionStatus(hash["status"])
	if err := status.Validate(); err != nil {
		return nil, fmt.Errorf("invalid version hash: %w", err)
	}

	tarballSize, _ := strconv.ParseInt(hash["tarball_size"], 10, 64)
	agentCount, _ := strconv.Atoi(hash["agent_count"])
	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	publishedAtMs, _ := strconv.ParseInt(hash["published_at_ms"], 10, 64)

	return &Version{
		Version:       hash["version"],
		Status:        status,
		TarballSHA256: hash["tarball_sha256"],
		TarballSize:   tarballSize,
		TarballPath:   hash["tarball_path"],
		Manifest:      []byte(hash["manifest"]),
		Readme:        hash["readme"],
		AgentCount:    agentCount,
		IsPrerelease:  hash["is_prerelease"] == "1",
		CreatedAtMs:   createdAtMs,
		PublishedAtMs: publishedAtMs,
	}, nil
}

// tokenToHash converts a Token to Redis hash format.
func tokenToHash(t *Token) map[string]interface{} {
	return map[string]interface{}{
		"id":            t.ID,
		"user_id":       t.UserID,
		"prefix":        t.Prefix,
		"created_at_ms": t.CreatedAtMs,
		"revoked_at_ms": t.RevokedAtMs,
	}
}

// hashToToken converts a token Redis hash to a Token.
func hashToToken(hash map[string]string) (*Token, error) {
	if hash["id"] == "" {
		return nil, fmt.Errorf("token hash missing id field")
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	revokedAtMs, _ := strconv.ParseInt(hash["revoked_at_ms"], 10, 64)

	return &Token{
		ID:          hash["id"],
		UserID:      hash["user_id"],
		Prefix:      hash["prefix"],
		CreatedAtMs: createdAtMs,
		RevokedAtMs: revokedAtMs,
	}, nil
}

// boolArg encodes a boolean for a Lua script argument.
func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
