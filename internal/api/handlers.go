package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/names"
	"github.com/openreef/tide/internal/registry"
	"github.com/openreef/tide/internal/versions"
	"github.com/openreef/tide/pkg/catalog"
)

// multipartOverhead is headroom on top of the tarball size cap for
// multipart framing; the real cap is enforced by the publisher.
const multipartOverhead = 1 << 20

// versionView is the public shape of a version row. The tarball path
// is never exposed; downloads go through signed URLs.
type versionView struct {
	Version       string          `json:"version"`
	TarballSHA256 string          `json:"tarball_sha256"`
	TarballSize   int64           `json:"tarball_size"`
	AgentCount    int             `json:"agent_count"`
	IsPrerelease  bool            `json:"is_prerelease"`
	PublishedAtMs int64           `json:"published_at_ms"`
	Readme        string          `json:"readme,omitempty"`
	Manifest      json.RawMessage `json:"manifest,omitempty"`
}

func viewOf(v *catalog.Version, full bool) versionView {
	view := versionView{
		Version:       v.Version,
		TarballSHA256: v.TarballSHA256,
		TarballSize:   v.TarballSize,
		AgentCount:    v.AgentCount,
		IsPrerelease:  v.IsPrerelease,
		PublishedAtMs: v.PublishedAtMs,
	}
	if full {
		view.Readme = v.Readme
		view.Manifest = json.RawMessage(v.Manifest)
	}
	return view
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "publish"

	userID, err := s.tokens.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	r.Body = http.MaxBytesReader(w, r.Body, registry.MaxTarballSize+multipartOverhead)
	file, _, err := r.FormFile("tarball")
	if err != nil {
		return route, writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q is required", "tarball"))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return route, writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read tarball: %w", err))
	}

	// Once the upload is in hand the workflow must run to completion
	// or compensation, even if the client disconnects.
	result, err := s.publisher.Publish(context.WithoutCancel(r.Context()), userID, p.ByName("name"), data)
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	writeJSON(w, http.StatusCreated, result)
	return route, http.StatusCreated
}

func (s *Server) handleUnpublish(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "unpublish"

	userID, err := s.tokens.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	err = s.unpublisher.Unpublish(context.WithoutCancel(r.Context()), userID, p.ByName("name"), p.ByName("version"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	w.WriteHeader(http.StatusNoContent)
	return route, http.StatusNoContent
}

// liveFormation loads a formation by request name, treating unknown
// and tombstoned formations identically.
func (s *Server) liveFormation(ctx context.Context, rawName string) (*catalog.Formation, error) {
	name := names.Canonicalize(rawName)
	f, err := s.catalog.GetFormationByName(ctx, name)
	if err != nil {
		if catalog.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", registry.ErrFormationNotFound, name)
		}
		return nil, err
	}
	if f.Deleted() {
		return nil, fmt.Errorf("%w: %s", registry.ErrFormationNotFound, name)
	}
	return f, nil
}

func (s *Server) handleGetFormation(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "getFormation"

	f, err := s.liveFormation(r.Context(), p.ByName("name"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	writeJSON(w, http.StatusOK, f)
	return route, http.StatusOK
}

// publishedVersions returns the formation's published version rows;
// rows mid-publish or failed are invisible to reads.
func (s *Server) publishedVersions(ctx context.Context, formationID string) ([]*catalog.Version, error) {
	rows, err := s.catalog.ListVersions(ctx, formationID)
	if err != nil {
		return nil, err
	}
	published := rows[:0]
	for _, row := range rows {
		if row.Status == catalog.StatusPublished {
			published = append(published, row)
		}
	}
	return published, nil
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "listVersions"

	f, err := s.liveFormation(r.Context(), p.ByName("name"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	rows, err := s.publishedVersions(r.Context(), f.ID)
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	views := make([]versionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewOf(row, false))
	}
	writeJSON(w, http.StatusOK, views)
	return route, http.StatusOK
}

// resolveVersionParam maps the version path segment onto a concrete
// version, honoring the "latest" alias.
func (s *Server) resolveVersionParam(f *catalog.Formation, param string) (string, error) {
	if param != "latest" {
		return param, nil
	}
	if f.LatestVersion == "" {
		return "", catalog.ErrVersionNotFound
	}
	return f.LatestVersion, nil
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "getVersion"

	f, err := s.liveFormation(r.Context(), p.ByName("name"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	version, err := s.resolveVersionParam(f, p.ByName("version"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	v, err := s.catalog.GetVersion(r.Context(), f.ID, version)
	if err != nil {
		if catalog.IsNotFound(err) {
			err = catalog.ErrVersionNotFound
		}
		return route, writeError(w, statusForError(err), err)
	}
	if v.Status != catalog.StatusPublished {
		return route, writeError(w, http.StatusNotFound, catalog.ErrVersionNotFound)
	}

	writeJSON(w, http.StatusOK, viewOf(v, true))
	return route, http.StatusOK
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "resolve"

	rangeExpr := r.URL.Query().Get("range")
	if rangeExpr == "" {
		return route, writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter %q is required", "range"))
	}

	f, err := s.liveFormation(r.Context(), p.ByName("name"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	rows, err := s.publishedVersions(r.Context(), f.ID)
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	byVersion := make(map[string]*catalog.Version, len(rows))
	candidates := make([]string, 0, len(rows))
	for _, row := range rows {
		byVersion[row.Version] = row
		candidates = append(candidates, row.Version)
	}
	best, ok, err := versions.MaxSatisfying(candidates, rangeExpr)
	if err != nil {
		return route, writeError(w, http.StatusBadRequest, err)
	}
	if !ok {
		return route, writeError(w, http.StatusNotFound, fmt.Errorf("no published version satisfies %q", rangeExpr))
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"name":           f.Name,
		"version":        best,
		"tarball_sha256": byVersion[best].TarballSHA256,
	})
	return route, http.StatusOK
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "download"

	f, err := s.liveFormation(r.Context(), p.ByName("name"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	version, err := s.resolveVersionParam(f, p.ByName("version"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	v, err := s.catalog.GetVersion(r.Context(), f.ID, version)
	if err != nil {
		if catalog.IsNotFound(err) {
			err = catalog.ErrVersionNotFound
		}
		return route, writeError(w, statusForError(err), err)
	}
	if v.Status != catalog.StatusPublished {
		return route, writeError(w, http.StatusNotFound, catalog.ErrVersionNotFound)
	}

	url, err := s.store.SignURL(v.TarballPath, blob.SignedURLTTL)
	if err != nil {
		return route, writeError(w, http.StatusInternalServerError, err)
	}

	// The counter is advisory; a failed increment never blocks the
	// download.
	if err := s.catalog.IncrementDownloads(r.Context(), f.ID); err != nil {
		s.log.WithError(err).WithField("formation", f.Name).Warn("could not count download")
	}

	http.Redirect(w, r, url, http.StatusFound)
	return route, http.StatusFound
}

func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (string, int) {
	const route = "mintToken"

	userID, err := s.tokens.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	result, err := s.tokens.Mint(r.Context(), userID)
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	writeJSON(w, http.StatusCreated, result)
	return route, http.StatusCreated
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (string, int) {
	const route = "getToken"

	userID, err := s.tokens.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	token, err := s.tokens.Active(r.Context(), userID)
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	if token == nil {
		return route, writeError(w, http.StatusNotFound, errors.New("no active token"))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prefix":        token.Prefix,
		"created_at_ms": token.CreatedAtMs,
	})
	return route, http.StatusOK
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (string, int) {
	const route = "revokeToken"

	userID, err := s.tokens.Verify(r.Context(), r.Header.Get("Authorization"))
	if err != nil {
		return route, writeError(w, statusForError(err), err)
	}

	if err := s.tokens.Revoke(r.Context(), userID); err != nil {
		return route, writeError(w, statusForError(err), err)
	}
	w.WriteHeader(http.StatusNoContent)
	return route, http.StatusNoContent
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request, p httprouter.Params) (string, int) {
	const route = "blob"

	path := strings.TrimPrefix(p.ByName("path"), "/")
	q := r.URL.Query()
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		return route, writeError(w, http.StatusForbidden, errors.New("invalid or missing signature"))
	}
	if !s.store.Verify(path, exp, q.Get("sig")) {
		return route, writeError(w, http.StatusForbidden, errors.New("invalid or expired signature"))
	}

	rc, size, err := s.store.Open(path)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return route, writeError(w, http.StatusNotFound, err)
		}
		return route, writeError(w, http.StatusInternalServerError, err)
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
	return route, http.StatusOK
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (string, int) {
	const route = "health"

	if err := s.catalog.Ping(r.Context()); err != nil {
		return route, writeError(w, http.StatusServiceUnavailable, fmt.Errorf("catalog unreachable: %w", err))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return route, http.StatusOK
}
