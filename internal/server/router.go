package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nodecross/nodex-agent/internal/did"
	"github.com/nodecross/nodex-agent/internal/errdefs"
	"github.com/nodecross/nodex-agent/internal/metrics"
	"github.com/nodecross/nodex-agent/internal/runtimeinfo"
	"github.com/nodecross/nodex-agent/internal/update"
)

// Router provides the agent's admin API.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/status
//	POST {basePath}/update    body: {"binary_url": "..."}
//	GET  /metrics             when metrics are enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	status   StatusSource
	updater  Updater
	self     runtimeinfo.ProcessRecord
	identity func() *did.Identity
	metrics  bool
	basePath string
}

type StatusSource interface {
	Snapshot() (runtimeinfo.RuntimeInfo, error)
}

type Updater interface {
	Run(ctx context.Context, binaryURL string) (*update.Session, error)
}

type Options struct {
	BasePath string
	Self     runtimeinfo.ProcessRecord
	// Identity returns the resolved node identity, or nil.
	Identity func() *did.Identity
	Metrics  bool
}

func NewRouter(status StatusSource, updater Updater, opts Options) *Router {
	return &Router{
		status:   status,
		updater:  updater,
		self:     opts.Self,
		identity: opts.Identity,
		metrics:  opts.Metrics,
		basePath: sanitizeBase(opts.BasePath),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.POST("/update", r.handleUpdate)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewHTTPServer wraps h with the agent's timeouts. There is no write timeout
// because an update request stays open through the download.
func NewHTTPServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Self      runtimeinfo.ProcessRecord   `json:"self"`
	State     runtimeinfo.State           `json:"state"`
	Processes []runtimeinfo.ProcessRecord `json:"processes"`
	Identity  *did.Identity               `json:"identity,omitempty"`
}

type UpdateRequest struct {
	BinaryURL string `json:"binary_url"`
}

type UpdateResponse struct {
	SessionID  string `json:"session_id"`
	InstallDir string `json:"install_dir"`
	BackupDir  string `json:"backup_dir"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	ri, err := r.status.Snapshot()
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	resp := StatusResponse{Self: r.self, State: ri.State, Processes: ri.Processes}
	if r.identity != nil {
		resp.Identity = r.identity()
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleUpdate(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isHTTPURL(req.BinaryURL) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "binary_url must be an absolute http(s) URL"})
		return
	}
	s, err := r.updater.Run(c.Request.Context(), req.BinaryURL)
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, UpdateResponse{SessionID: s.ID, InstallDir: s.InstallDir, BackupDir: s.BackupDir})
}

func statusFor(err error) int {
	if errors.Is(err, update.ErrUpdateInProgress) {
		return http.StatusConflict
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindIntegrity:
		return http.StatusBadRequest
	case errdefs.KindCapacity:
		return http.StatusInsufficientStorage
	case errdefs.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
