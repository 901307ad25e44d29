// Package api exposes the registry over HTTP: publish and unpublish,
// formation and version reads, semver range resolution, signed tarball
// downloads, and token management.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openreef/tide/internal/auth"
	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/registry"
	"github.com/openreef/tide/pkg/catalog"
)

var promResponseDurationMilliseconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "tide_api_response_duration_milliseconds",
	Help:    "The duration of time it takes to receive and write a response to an API request",
	Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
}, []string{"route", "code"})

func init() {
	prometheus.MustRegister(promResponseDurationMilliseconds)
}

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	catalog     *catalog.Client
	store       *blob.Store
	publisher   *registry.Publisher
	unpublisher *registry.Unpublisher
	tokens      *auth.Service
	log         *logrus.Entry
}

// NewServer creates the HTTP server facade over the registry services.
func NewServer(c *catalog.Client, store *blob.Store, publisher *registry.Publisher, unpublisher *registry.Unpublisher, tokens *auth.Service, log *logrus.Logger) *Server {
	return &Server{
		catalog:     c,
		store:       store,
		publisher:   publisher,
		unpublisher: unpublisher,
		tokens:      tokens,
		log:         log.WithField("component", "api"),
	}
}

type handlerFunc func(http.ResponseWriter, *http.Request, httprouter.Params) (route string, status int)

// wrap instruments a handler with request logging and the response
// duration histogram.
func (s *Server) wrap(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		start := time.Now()
		route, status := h(w, r, p)
		statusStr := strconv.Itoa(status)
		if status == 0 {
			statusStr = "???"
		}

		promResponseDurationMilliseconds.
			WithLabelValues(route, statusStr).
			Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))

		s.log.WithFields(logrus.Fields{
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"request_uri": r.RequestURI,
			"status":      statusStr,
			"elapsed":     time.Since(start),
		}).Info("handled HTTP request")
	}
}

// Router builds the registry's HTTP routing table.
func (s *Server) Router() *httprouter.Router {
	router := httprouter.New()

	// Publishing
	router.POST("/api/v1/formations/:name/publish", s.wrap(s.handlePublish))
	router.DELETE("/api/v1/formations/:name/versions/:version", s.wrap(s.handleUnpublish))

	// Reads
	router.GET("/api/v1/formations/:name", s.wrap(s.handleGetFormation))
	router.GET("/api/v1/formations/:name/versions", s.wrap(s.handleListVersions))
	router.GET("/api/v1/formations/:name/versions/:version", s.wrap(s.handleGetVersion))
	router.GET("/api/v1/formations/:name/versions/:version/download", s.wrap(s.handleDownload))
	router.GET("/api/v1/formations/:name/resolve", s.wrap(s.handleResolve))

	// Tokens
	router.POST("/api/v1/tokens", s.wrap(s.handleMintToken))
	router.GET("/api/v1/tokens", s.wrap(s.handleGetToken))
	router.DELETE("/api/v1/tokens", s.wrap(s.handleRevokeToken))

	// Signed blob downloads
	router.GET("/blobs/*path", s.wrap(s.handleBlob))

	// Operational
	router.GET("/healthz", s.wrap(s.handleHealth))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return router
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) int {
	writeJSON(w, status, errorResponse{Error: err.Error()})
	return status
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, catalog.ErrNotOwner),
		errors.Is(err, registry.ErrNameReserved):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrFormationNotFound),
		errors.Is(err, catalog.ErrVersionNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrAlreadyPublished),
		errors.Is(err, catalog.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrFormationDeleted):
		return http.StatusGone
	case errors.Is(err, registry.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidTarball),
		errors.Is(err, registry.ErrInvalidManifest),
		errors.Is(err, registry.ErrInvalidVersion),
		errors.Is(err, registry.ErrNameMismatch):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
