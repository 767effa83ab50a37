package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/backup"
	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/internal/store"
)

// Router provides the worker management API.
// Endpoints (under basePath):
//
//	GET    /workers                      list
//	POST   /workers                      multipart deploy: file, name, token, start
//	GET    /workers/:id                  status
//	PATCH  /workers/:id                  {"auto_restart": bool}
//	DELETE /workers/:id                  decommission
//	POST   /workers/:id/{start,stop,restart,backup}
//	GET    /workers/:id/logs?limit=50
//	GET|PUT|DELETE /workers/:id/files?path=
//	GET    /workers/:id/files/content?path=
//	POST   /workers/:id/dirs?path=
//	GET    /backups?limit=10
//	GET    /system
type Router struct {
	reg        *registry.Registry
	store      store.Store
	installer  *deploy.Installer
	backups    *backup.Manager
	workersDir string
	basePath   string
	adminToken string
	log        *slog.Logger
	started    time.Time
}

// Deps are the collaborators of the API.
type Deps struct {
	Registry   *registry.Registry
	Store      store.Store
	Installer  *deploy.Installer
	Backups    *backup.Manager
	WorkersDir string
	BasePath   string
	// AdminToken enables bearer authentication when non-empty.
	AdminToken string
	Logger     *slog.Logger
}

func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Router{
		reg:        d.Registry,
		store:      d.Store,
		installer:  d.Installer,
		backups:    d.Backups,
		workersDir: d.WorkersDir,
		basePath:   sanitizeBase(d.BasePath),
		adminToken: d.AdminToken,
		log:        d.Logger,
		started:    time.Now(),
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.requestLog())
	group := g.Group(r.basePath)
	group.Use(r.requireAdmin())

	group.GET("/workers", r.handleList)
	group.POST("/workers", r.handleDeploy)

	w := group.Group("/workers/:id", r.validID())
	w.GET("", r.handleStatus)
	w.PATCH("", r.handlePatch)
	w.DELETE("", r.handleDelete)
	w.POST("/start", r.handleStart)
	w.POST("/stop", r.handleStop)
	w.POST("/restart", r.handleRestart)
	w.POST("/backup", r.handleBackup)
	w.GET("/logs", r.handleLogs)
	w.GET("/files", r.handleListFiles)
	w.PUT("/files", r.handleWriteFile)
	w.DELETE("/files", r.handleRemoveFile)
	w.GET("/files/content", r.handleDownload)
	w.POST("/dirs", r.handleMkdir)

	group.GET("/backups", r.handleBackups)
	group.GET("/system", r.handleSystem)
	return g
}

// NewServer returns an http.Server for h; tlsCfg may be nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}

// requireAdmin rejects requests without the configured bearer token.
func (r *Router) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.adminToken == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(r.adminToken)) != 1 {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "admin token required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *Router) validID() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isSafeName(c.Param("id")) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid worker id"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		begin := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(begin))
	}
}

func (r *Router) ctx(c *gin.Context) context.Context { return c.Request.Context() }
