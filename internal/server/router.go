package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/otad/internal/backup"
	"github.com/loykin/otad/internal/orchestrator"
	"github.com/loykin/otad/internal/version"
)

// Controller is the daemon surface the HTTP API drives.
type Controller interface {
	State() orchestrator.State
	CurrentVersion() (*version.Descriptor, error)
	Backups() ([]backup.Info, error)
	UpdateOnce(ctx context.Context) orchestrator.Result
	Rollback(ctx context.Context, id string) error
	Healthy(ctx context.Context) bool
}

// Router provides embeddable HTTP handlers for the update daemon.
// Endpoints:
//
//	GET  {basePath}/status    current state + deployed version
//	GET  {basePath}/backups   available snapshots, newest first
//	POST {basePath}/update    trigger one update cycle (409 while busy)
//	POST {basePath}/rollback  restore a snapshot; query: id=... (optional)
//	GET  {basePath}/healthz   probe the supervised app (503 when unhealthy)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctrl     Controller
	basePath string

	// busy serializes operator-triggered update/rollback requests; a
	// second trigger while one is in flight gets 409 instead of queuing.
	busy sync.Mutex
}

func NewRouter(ctrl Controller, basePath string) *Router {
	return &Router{ctrl: ctrl, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/backups", r.handleBackups)
	group.POST("/update", r.handleUpdate)
	group.POST("/rollback", r.handleRollback)
	group.GET("/healthz", r.handleHealthz)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, ctrl Controller) (*http.Server, error) {
	r := NewRouter(ctrl, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	State   string              `json:"state"`
	Version *version.Descriptor `json:"version,omitempty"`
}

type updateResp struct {
	Outcome string `json:"outcome"`
	Version string `json:"version,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{State: string(r.ctrl.State())}
	v, err := r.ctrl.CurrentVersion()
	if err == nil {
		resp.Version = v
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleBackups(c *gin.Context) {
	infos, err := r.ctrl.Backups()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if infos == nil {
		infos = []backup.Info{}
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleUpdate(c *gin.Context) {
	if !r.busy.TryLock() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "update already in progress"})
		return
	}
	defer r.busy.Unlock()

	res := r.ctrl.UpdateOnce(c.Request.Context())
	resp := updateResp{
		Outcome: string(res.Outcome),
		Version: res.TargetVersion,
		Stage:   string(res.FailedStage),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	code := http.StatusOK
	if res.Outcome == orchestrator.OutcomeAborted || res.Outcome == orchestrator.OutcomeRolledBack {
		code = http.StatusBadGateway
	}
	writeJSON(c, code, resp)
}

func (r *Router) handleRollback(c *gin.Context) {
	if !r.busy.TryLock() {
		writeJSON(c, http.StatusConflict, errorResp{Error: "update already in progress"})
		return
	}
	defer r.busy.Unlock()

	if err := r.ctrl.Rollback(c.Request.Context(), c.Query("id")); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleHealthz(c *gin.Context) {
	if r.ctrl.Healthy(c.Request.Context()) {
		writeJSON(c, http.StatusOK, gin.H{"status": "healthy"})
		return
	}
	writeJSON(c, http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func sanitizeBase(bp string) string {
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimSuffix(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
