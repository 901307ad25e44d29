// Package versions implements semantic-version ordering for the registry.
// It decides which version of a formation is "latest" and resolves semver
// range queries against the published version set.
//
// All comparisons use full semver precedence (major.minor.patch plus
// pre-release ordering). Lexical or numeric-naive comparison would rank
// 0.10.0 below 0.9.0 and is deliberately not used anywhere.
package versions

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Row is the minimal view of a version record needed to compute the
// latest pointer. Status values match the catalog's version state
// machine ("publishing", "published", "failed").
type Row struct {
	Version      string
	Status       string
	IsPrerelease bool
}

// StatusPublished is the only status eligible for the latest pointer.
const StatusPublished = "published"

// Valid reports whether v parses as strict semver (no leading "v",
// no partial versions).
func Valid(v string) bool {
	_, err := semver.StrictNewVersion(v)
	return err == nil
}

// IsPrerelease reports whether v carries a pre-release tag
// (e.g. "1.0.0-beta.1"). Returns false for versions that do not parse.
func IsPrerelease(v string) bool {
	sv, err := semver.StrictNewVersion(v)
	if err != nil {
		return false
	}
	return sv.Prerelease() != ""
}

// Latest returns the semver-maximum version among rows that are
// published and not pre-releases. The second return is false when no
// row is eligible.
//
// Latest is pure: it never mutates rows and has no I/O. Ties are
// impossible because version strings are unique per formation.
func Latest(rows []Row) (string, bool) {
	var best *semver.Version
	var bestRaw string

	for _, row := range rows {
		if row.Status != StatusPublished || row.IsPrerelease {
			continue
		}
		sv, err := semver.StrictNewVersion(row.Version)
		if err != nil {
			// Claim validates semver before any row exists, so a bad
			// version string here is corrupt data; skip rather than
			// let it poison the pointer.
			continue
		}
		if best == nil || sv.GreaterThan(best) {
			best = sv
			bestRaw = row.Version
		}
	}

	if best == nil {
		return "", false
	}
	return bestRaw, true
}

// MaxSatisfying returns the highest version among candidates that
// satisfies the given semver range (e.g. "^1.2.0", ">=0.3.0 <0.5.0").
// Returns an error if the range does not parse, and ("", false) if no
// candidate satisfies it. Candidates that do not parse as semver are
// skipped.
func MaxSatisfying(candidates []string, rangeExpr string) (string, bool, error) {
	constraint, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return "", false, fmt.Errorf("invalid semver range %q: %w", rangeExpr, err)
	}

	var best *semver.Version
	var bestRaw string
	for _, raw := range candidates {
		sv, err := semver.StrictNewVersion(raw)
		if err != nil {
			continue
		}
		if !constraint.Check(sv) {
			continue
		}
		if best == nil || sv.GreaterThan(best) {
			best = sv
			bestRaw = raw
		}
	}

	if best == nil {
		return "", false, nil
	}
	return bestRaw, true, nil
}
