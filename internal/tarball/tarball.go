// Package tarball extracts registry metadata from uploaded formation
// tarballs. Extraction always happens server-side from the uploaded
// bytes: the registry never trusts manifest metadata supplied
// separately from the tarball contents.
package tarball

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ManifestFileName is the manifest file expected at the archive root.
const ManifestFileName = "reef.json"

// ErrNoManifest is returned when the archive has no reef.json at its
// root (directly, or under a single leading directory component as
// produced by `tar -czf formation.tar.gz formation/`).
var ErrNoManifest = errors.New("tarball does not contain reef.json at root")

// Contents holds what the registry extracts from a formation tarball.
type Contents struct {
	Manifest []byte // raw reef.json bytes
	Readme   string // README.md contents, empty if absent
}

// entryLimit caps decompressed bytes read per archive entry, guarding
// against decompression bombs in metadata files.
const entryLimit = 4 << 20

// Extract reads a gzip-compressed tar archive and pulls out the
// manifest and readme. One leading path component is stripped from
// each entry so archives packed with or without a top-level directory
// both work. Returns ErrNoManifest when no manifest is present.
func Extract(data []byte) (*Contents, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tarball is not gzip-compressed: %w", err)
	}
	defer gz.Close()

	contents := &Contents{}
	found := false

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := stripLeadingDir(hdr.Name)
		isManifest := name == ManifestFileName
		isReadme := strings.EqualFold(name, "readme.md")
		if !isManifest && !isReadme {
			continue
		}

		body, err := io.ReadAll(io.LimitReader(tr, entryLimit))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from tarball: %w", name, err)
		}

		if isManifest {
			contents.Manifest = body
			found = true
		} else {
			contents.Readme = string(body)
		}
	}

	if !found {
		return nil, ErrNoManifest
	}
	return contents, nil
}

// stripLeadingDir removes the first path component from an entry name,
// if any: "formation/reef.json" -> "reef.json", "reef.json" unchanged.
func stripLeadingDir(name string) string {
	name = strings.TrimPrefix(name, "./")
	if idx := strings.Index(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}
