// Package registry implements the publish and unpublish orchestrators:
// the multi-step workflows that validate a request, drive the catalog's
// atomic transitions, and compensate on failure so a crashed or failed
// publish never leaves a visible half-published formation.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/manifest"
	"github.com/openreef/tide/internal/names"
	"github.com/openreef/tide/internal/tarball"
	"github.com/openreef/tide/internal/versions"
	"github.com/openreef/tide/pkg/catalog"
)

// MaxTarballSize is the upload size cap. Checked against the raw
// compressed bytes before anything touches the catalog.
const MaxTarballSize = 10 << 20

// maxAttempts bounds the optimistic-concurrency retry loops in both
// orchestrators. Three attempts is enough under realistic contention;
// beyond that the caller gets ErrContention and retries the request.
const maxAttempts = 3

// Publisher drives the publish workflow. All validation happens before
// the claim; once the claim succeeds the workflow runs to completion or
// full compensation regardless of the outcome, so callers should hand
// it a context that outlives the originating request.
type Publisher struct {
	catalog   *catalog.Client
	store     *blob.Store
	validator *manifest.Validator
	reserved  *names.ReservedSet
	log       *logrus.Entry

	// afterPublish, when set, runs in its own goroutine after a
	// successful publish. Best effort: failures are invisible to the
	// publisher.
	afterPublish func(name, version string)
}

// NewPublisher creates a publish orchestrator.
func NewPublisher(c *catalog.Client, store *blob.Store, validator *manifest.Validator, reserved *names.ReservedSet, log *logrus.Logger) *Publisher {
	return &Publisher{
		catalog:   c,
		store:     store,
		validator: validator,
		reserved:  reserved,
		log:       log.WithField("component", "publisher"),
	}
}

// OnPublished registers a hook invoked asynchronously after each
// successful publish, e.g. to refresh derived indexes.
func (p *Publisher) OnPublished(fn func(name, version string)) {
	p.afterPublish = fn
}

// PublishResult describes a completed publish.
type PublishResult struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Publish runs the full publish workflow for a tarball uploaded against
// rawName by ownerID:
//
//  1. Validate name, size, archive, manifest, and version.
//  2. Atomically claim the name and version slot (catalog.Claim).
//  3. Upload the tarball to blob storage.
//  4. Recompute the latest pointer and finalize, retrying a bounded
//     number of times when a concurrent writer moves the version set.
//
// Any failure after the claim compensates: the claimed version is
// marked failed, a formation created by this claim is tombstoned, and
// an uploaded blob is deleted. Compensation failures are logged and
// left to the retention sweeper.
func (p *Publisher) Publish(ctx context.Context, ownerID, rawName string, data []byte) (*PublishResult, error) {
	name := names.Canonicalize(rawName)
	if err := names.Validate(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	if len(data) > MaxTarballSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d MiB limit", ErrPayloadTooLarge, len(data), MaxTarballSize>>20)
	}

	contents, err := tarball.Extract(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarball, err)
	}

	m, err := manifest.Parse(contents.Manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if !versions.Valid(m.Version) {
		return nil, fmt.Errorf("%w: %q is not strict semver", ErrInvalidVersion, m.Version)
	}
	if m.Name != name {
		return nil, fmt.Errorf("%w: manifest declares %q, request targets %q", ErrNameMismatch, m.Name, name)
	}
	if violations := p.validator.Validate(contents.Manifest); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidManifest, strings.Join(violations, "; "))
	}
	if p.reserved.Contains(name) {
		return nil, fmt.Errorf("%w: %q", ErrNameReserved, name)
	}

	sum := sha256.Sum256(data)
	meta := &catalog.VersionMeta{
		Version:       m.Version,
		TarballSHA256: hex.EncodeToString(sum[:]),
		TarballSize:   int64(len(data)),
		Manifest:      contents.Manifest,
		Readme:        contents.Readme,
		AgentCount:    m.AgentCount(),
		IsPrerelease:  versions.IsPrerelease(m.Version),
		Description:   m.Description,
		Type:          m.EffectiveType(),
		License:       m.License,
		Repository:    m.Repository,
	}

	claim, err := p.catalog.Claim(ctx, catalog.NewFormationID(), name, ownerID, meta)
	if err != nil {
		return nil, err
	}

	log := p.log.WithFields(logrus.Fields{
		"formation": name,
		"version":   m.Version,
	})

	if err := p.store.Upload(claim.TarballPath, data, "application/gzip"); err != nil {
		log.WithError(err).Error("tarball upload failed, compensating publish")
		p.compensate(ctx, claim, m.Version, false)
		return nil, fmt.Errorf("tarball upload failed: %w", err)
	}

	if err := p.finalize(ctx, claim.FormationID, m); err != nil {
		log.WithError(err).Error("finalize failed, compensating publish")
		p.compensate(ctx, claim, m.Version, true)
		return nil, err
	}

	log.Info("published formation version")
	if p.afterPublish != nil {
		go p.afterPublish(name, m.Version)
	}
	return &PublishResult{Name: name, Version: m.Version}, nil
}

// finalize recomputes the latest pointer with the claimed version
// counted as published and promotes the row, retrying when a concurrent
// publish or unpublish invalidates the snapshot.
func (p *Publisher) finalize(ctx context.Context, formationID string, m *manifest.Manifest) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rows, err := p.catalog.ListVersions(ctx, formationID)
		if err != nil {
			return fmt.Errorf("failed to read versions for finalize: %w", err)
		}

		published := 0
		vrows := make([]versions.Row, 0, len(rows))
		for _, row := range rows {
			status := string(row.Status)
			if row.Version == m.Version {
				status = versions.StatusPublished
			}
			if status == versions.StatusPublished {
				published++
			}
			vrows = append(vrows, versions.Row{
				Version:      row.Version,
				Status:       status,
				IsPrerelease: row.IsPrerelease,
			})
		}

		latest, _ := versions.Latest(vrows)
		err = p.catalog.Finalize(ctx, formationID, m.Version, latest, latest == m.Version, published, &catalog.LatestMeta{
			Description: m.Description,
			Type:        m.EffectiveType(),
			License:     m.License,
			Repository:  m.Repository,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, catalog.ErrConcurrentModify) {
			return err
		}
		p.log.WithFields(logrus.Fields{
			"formation_id": formationID,
			"version":      m.Version,
			"attempt":      attempt,
		}).Debug("finalize lost concurrency race, retrying")
	}
	return ErrContention
}

// compensate unwinds a claimed publish in reverse order: mark the
// version failed, tombstone the formation if this publish created it,
// delete the uploaded blob. Each step is attempted regardless of
// earlier failures; whatever compensation misses, the retention sweeper
// eventually cleans up.
func (p *Publisher) compensate(ctx context.Context, claim *catalog.ClaimResult, version string, blobUploaded bool) {
	log := p.log.WithFields(logrus.Fields{
		"formation_id": claim.FormationID,
		"version":      version,
	})

	if _, err := p.catalog.MarkVersionFailed(ctx, claim.FormationID, version); err != nil {
		log.WithError(err).Warn("compensation could not mark version failed")
	}
	if claim.IsNewFormation {
		if err := p.catalog.TombstoneFormation(ctx, claim.FormationID); err != nil {
			log.WithError(err).Warn("compensation could not tombstone formation")
		}
	}
	if blobUploaded {
		if err := p.store.Delete(claim.TarballPath); err != nil {
			log.WithError(err).Warn("compensation could not delete tarball")
		}
	}
}
