package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/manifest"
	"github.com/openreef/tide/internal/names"
	"github.com/openreef/tide/internal/versions"
	"github.com/openreef/tide/pkg/catalog"
)

// Unpublisher drives the unpublish workflow: recompute what latest
// becomes without the target version, then atomically remove the
// version under the optimistic-concurrency fingerprint. Blob deletion
// happens after the catalog transition and is best effort; the version
// row is already gone, so a leaked blob is unreachable garbage.
type Unpublisher struct {
	catalog *catalog.Client
	store   *blob.Store
	log     *logrus.Entry
}

// NewUnpublisher creates an unpublish orchestrator.
func NewUnpublisher(c *catalog.Client, store *blob.Store, log *logrus.Logger) *Unpublisher {
	return &Unpublisher{
		catalog: c,
		store:   store,
		log:     log.WithField("component", "unpublisher"),
	}
}

// Unpublish removes a published version of the formation registered
// under rawName. Only the owner may unpublish. Removing the last
// published version tombstones the formation; its name is never
// reusable.
func (u *Unpublisher) Unpublish(ctx context.Context, ownerID, rawName, version string) error {
	name := names.Canonicalize(rawName)
	formation, err := u.catalog.GetFormationByName(ctx, name)
	if err != nil {
		if catalog.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrFormationNotFound, name)
		}
		return err
	}
	if formation.Deleted() {
		return fmt.Errorf("%w: %s", ErrFormationNotFound, name)
	}
	if formation.OwnerID != ownerID {
		return catalog.ErrNotOwner
	}

	log := u.log.WithFields(logrus.Fields{
		"formation": name,
		"version":   version,
	})

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rows, err := u.catalog.ListVersions(ctx, formation.ID)
		if err != nil {
			return fmt.Errorf("failed to read versions for unpublish: %w", err)
		}

		published := 0
		vrows := make([]versions.Row, 0, len(rows))
		var target *catalog.Version
		for _, row := range rows {
			if row.Status == catalog.StatusPublished {
				published++
			}
			if row.Version == version {
				target = row
				continue
			}
			vrows = append(vrows, versions.Row{
				Version:      row.Version,
				Status:       string(row.Status),
				IsPrerelease: row.IsPrerelease,
			})
		}
		if target == nil || target.Status != catalog.StatusPublished {
			return catalog.ErrVersionNotFound
		}

		newLatest, meta, err := u.incomingLatest(rows, vrows)
		if err != nil {
			return err
		}

		path, err := u.catalog.Unpublish(ctx, formation.ID, version, newLatest, published, meta)
		if err == nil {
			if path != "" {
				if derr := u.store.Delete(path); derr != nil {
					log.WithError(derr).Warn("could not delete unpublished tarball")
				}
			}
			log.Info("unpublished formation version")
			return nil
		}
		if !errors.Is(err, catalog.ErrConcurrentModify) {
			return err
		}
		log.WithField("attempt", attempt).Debug("unpublish lost concurrency race, retrying")
	}
	return ErrContention
}

// incomingLatest computes the latest pointer among the versions that
// remain after the removal, along with that version's own manifest
// metadata for denormalization onto the formation row.
func (u *Unpublisher) incomingLatest(rows []*catalog.Version, remaining []versions.Row) (string, *catalog.LatestMeta, error) {
	newLatest, ok := versions.Latest(remaining)
	if !ok {
		return "", nil, nil
	}
	for _, row := range rows {
		if row.Version != newLatest {
			continue
		}
		m, err := manifest.Parse(row.Manifest)
		if err != nil {
			return "", nil, fmt.Errorf("stored manifest for %s is corrupt: %w", newLatest, err)
		}
		return newLatest, &catalog.LatestMeta{
			Description: m.Description,
			Type:        m.EffectiveType(),
			License:     m.License,
			Repository:  m.Repository,
		}, nil
	}
	return "", nil, fmt.Errorf("version row for computed latest %s disappeared", newLatest)
}
