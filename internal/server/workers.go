package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/backup"
	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/logbuf"
	"github.com/loykin/botvisor/internal/sandbox"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

const (
	defaultLogLines = 50
	defaultBackups  = 10
)

type workerResp struct {
	Worker store.Record        `json:"worker"`
	Status supervisor.Snapshot `json:"status"`
	Size   int64               `json:"size"`
}

type deployResp struct {
	Worker store.Record       `json:"worker"`
	Start  *supervisor.Result `json:"start,omitempty"`
}

type logsResp struct {
	ID    string         `json:"id"`
	Lines []logbuf.Entry `json:"lines"`
	Text  string         `json:"text"`
}

type patchReq struct {
	AutoRestart *bool `json:"auto_restart"`
}

type systemResp struct {
	TotalWorkers   int     `json:"total_workers"`
	RunningWorkers int     `json:"running_workers"`
	TotalSize      int64   `json:"total_size"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (r *Router) handleList(c *gin.Context) {
	list, err := r.reg.List(r.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleDeploy(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "multipart field 'file' required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = f.Close() }()

	rec, err := r.installer.Install(r.ctx(c), deploy.Request{
		Filename: fh.Filename,
		Name:     c.PostForm("name"),
		Token:    c.PostForm("token"),
		Body:     f,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	resp := deployResp{Worker: rec.Redacted()}
	if start, _ := strconv.ParseBool(c.DefaultPostForm("start", "true")); start {
		sup, err := r.reg.Get(r.ctx(c), rec.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		res := sup.Start(r.ctx(c))
		resp.Start = &res
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Param("id")
	sup, err := r.reg.Get(r.ctx(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := r.store.Get(r.ctx(c), id)
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := sup.Status(r.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	size, _ := sandbox.DirSize(rec.Directory)
	writeJSON(c, http.StatusOK, workerResp{Worker: rec.Redacted(), Status: snap, Size: size})
}

func (r *Router) handlePatch(c *gin.Context) {
	var req patchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.AutoRestart == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "auto_restart required"})
		return
	}
	sup, err := r.reg.Get(r.ctx(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := sup.SetAutoRestart(r.ctx(c), *req.AutoRestart)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleDelete(c *gin.Context) {
	if err := r.reg.Decommission(r.ctx(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) lifecycle(c *gin.Context, op func(*supervisor.Supervisor) supervisor.Result) {
	sup, err := r.reg.Get(r.ctx(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	res := op(sup)
	writeJSON(c, resultStatus(res), res)
}

func (r *Router) handleStart(c *gin.Context) {
	r.lifecycle(c, func(s *supervisor.Supervisor) supervisor.Result { return s.Start(r.ctx(c)) })
}

func (r *Router) handleStop(c *gin.Context) {
	r.lifecycle(c, func(s *supervisor.Supervisor) supervisor.Result { return s.Stop(r.ctx(c)) })
}

func (r *Router) handleRestart(c *gin.Context) {
	r.lifecycle(c, func(s *supervisor.Supervisor) supervisor.Result { return s.Restart(r.ctx(c)) })
}

func (r *Router) handleBackup(c *gin.Context) {
	rec, err := r.store.Get(r.ctx(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	path, err := r.backups.Backup(r.ctx(c), rec.ID, rec.Directory)
	if err != nil {
		if errors.Is(err, backup.ErrSourceMissing) {
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"path": path})
}

func (r *Router) handleLogs(c *gin.Context) {
	sup, err := r.reg.Get(r.ctx(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := queryInt(c, "limit", defaultLogLines, logbuf.DefaultCapacity)
	writeJSON(c, http.StatusOK, logsResp{ID: sup.ID(), Lines: sup.LogEntries(limit), Text: sup.Logs(limit)})
}

func (r *Router) handleBackups(c *gin.Context) {
	list, err := r.backups.List(queryInt(c, "limit", defaultBackups, 100))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, list)
}

func (r *Router) handleSystem(c *gin.Context) {
	list, err := r.reg.List(r.ctx(c))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := systemResp{TotalWorkers: len(list), UptimeSeconds: time.Since(r.started).Seconds()}
	for _, s := range list {
		if s.Status.Live() {
			resp.RunningWorkers++
		}
	}
	if r.workersDir != "" {
		resp.TotalSize, _ = sandbox.DirSize(r.workersDir)
	}
	writeJSON(c, http.StatusOK, resp)
}
