// Package names implements name governance for the registry: the
// canonical form of a formation name, the validation rules a name must
// satisfy before it can claim a registry slot, and the near-duplicate
// key used to reject names that would be visually identical to an
// existing formation under a different separator convention.
package names

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the maximum allowed length of a canonical name.
const MaxLength = 128

// namePattern is one or more lowercase-alphanumeric segments joined by
// single hyphens: no leading/trailing hyphen, no consecutive hyphens.
var namePattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// nearDupReplacer maps separator characters that render similarly to a
// hyphen onto an actual hyphen.
var nearDupReplacer = strings.NewReplacer("_", "-", ".", "-")

// Canonicalize returns the canonical form of a raw name: surrounding
// whitespace trimmed, lowercased. It is total and deterministic; the
// result still needs Validate before it can be claimed.
func Canonicalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Validate checks a canonical name against the registry's naming rules.
// Returns nil when the name is acceptable, otherwise an error
// describing the first rule violated.
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("name exceeds %d characters", MaxLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name must be lowercase alphanumeric segments joined by single hyphens")
	}
	return nil
}

// NearDuplicateKey maps a name onto the key used for confusable-name
// detection: underscores and dots become hyphens, everything is
// lowercased. Two names with the same key would look interchangeable
// to a human ("daily_ops", "daily.ops", "daily-ops"), so only one of
// them may exist in the registry.
func NearDuplicateKey(name string) string {
	return strings.ToLower(nearDupReplacer.Replace(name))
}

// ReservedSet is an immutable set of names that can never be claimed
// (product terms, internal endpoints, etc). It is loaded from
// configuration at process start and injected into the publisher.
type ReservedSet struct {
	names map[string]struct{}
}

// NewReservedSet builds a ReservedSet from the given names. Entries are
// canonicalized so configuration files may list them in any case.
func NewReservedSet(names []string) *ReservedSet {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[Canonicalize(n)] = struct{}{}
	}
	return &ReservedSet{names: set}
}

// Contains reports whether name is reserved.
func (r *ReservedSet) Contains(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.names[name]
	return ok
}
