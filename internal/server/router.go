package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loykin/simvisor/internal/apperr"
	"github.com/loykin/simvisor/internal/artifact"
	"github.com/loykin/simvisor/internal/debugger"
	"github.com/loykin/simvisor/internal/lockpolicy"
	"github.com/loykin/simvisor/internal/logcapture"
	"github.com/loykin/simvisor/internal/metrics"
	"github.com/loykin/simvisor/internal/recorder"
)

// Status is the admin snapshot of everything the core currently holds.
type Status struct {
	StartedAt    time.Time              `json:"startedAt"`
	Locks        []lockpolicy.Entry     `json:"locks"`
	Debug        []debugger.SessionInfo `json:"debugSessions"`
	LogCapture   []logcapture.Stats     `json:"logCaptureSessions"`
	Recordings   []recorder.SessionInfo `json:"recordings"`
	Artifacts    artifact.Usage         `json:"artifacts"`
	Subprocesses []metrics.Sample       `json:"subprocesses"`
}

// Source is what the router reads from.
type Source interface {
	Status() Status
	Artifacts() []artifact.Entry
	Artifact(id string) (artifact.Entry, error)
}

// Router exposes read-only admin endpoints. It is not the agent protocol.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/status
//	GET {basePath}/metrics
//	GET {basePath}/artifacts
//	GET {basePath}/artifacts/:id   (streams the blob)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      Source
	basePath string
	metrics  http.Handler
	auth     *TokenAuth
}

type RouterOption func(*Router)

// WithTokenHash requires a bearer token matching hash on every endpoint
// except healthz.
func WithTokenHash(hash string) RouterOption {
	return func(r *Router) { r.auth = NewTokenAuth(hash) }
}

// NewRouter constructs a Router. A nil metricsHandler serves the default
// Prometheus gatherer.
func NewRouter(src Source, basePath string, metricsHandler http.Handler, opts ...RouterOption) *Router {
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	r := &Router{src: src, basePath: sanitizeBase(basePath), metrics: metricsHandler}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.Use(r.auth.GinAuth())
	group.GET("/status", r.handleStatus)
	group.GET("/metrics", gin.WrapH(r.metrics))
	group.GET("/artifacts", r.handleArtifacts)
	group.GET("/artifacts/:id", r.handleArtifact)
	return g
}

// NewServer builds a standalone HTTP server on addr for this router. The
// caller runs ListenAndServe and Shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Status())
}

func (r *Router) handleArtifacts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Artifacts())
}

func (r *Router) handleArtifact(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(c, apperr.New(apperr.InvalidInput, "invalid artifact id %q", id))
		return
	}
	e, err := r.src.Artifact(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", e.MimeType)
	c.File(e.Path)
}
