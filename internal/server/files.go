package server

import (
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/sandbox"
)

// fsFor returns the file manager confined to the worker's directory.
func (r *Router) fsFor(c *gin.Context) (*sandbox.FS, bool) {
	rec, err := r.store.Get(r.ctx(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return sandbox.NewFS(rec.Directory), true
}

func (r *Router) handleListFiles(c *gin.Context) {
	fsys, ok := r.fsFor(c)
	if !ok {
		return
	}
	entries, err := fsys.List(c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

func (r *Router) handleDownload(c *gin.Context) {
	fsys, ok := r.fsFor(c)
	if !ok {
		return
	}
	f, info, err := fsys.Open(c.Query("path"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer func() { _ = f.Close() }()
	c.DataFromReader(http.StatusOK, info.Size(), "application/octet-stream", f, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filepath.Base(info.Name())),
	})
}

func (r *Router) handleWriteFile(c *gin.Context) {
	fsys, ok := r.fsFor(c)
	if !ok {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path required"})
		return
	}
	n, err := fsys.Write(rel, c.Request.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"path": rel, "size": n})
}

func (r *Router) handleRemoveFile(c *gin.Context) {
	fsys, ok := r.fsFor(c)
	if !ok {
		return
	}
	if err := fsys.Remove(c.Query("path")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleMkdir(c *gin.Context) {
	fsys, ok := r.fsFor(c)
	if !ok {
		return
	}
	rel := c.Query("path")
	if rel == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "path required"})
		return
	}
	if err := fsys.Mkdir(rel); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, okResp{OK: true})
}
