package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"device-hub-backend/internal/gateway"
)

// stageUpload authorizes the caller and saves the multipart field "file" to a
// temp file in the upload dir. The returned cleanup removes it.
func (h *Handler) stageUpload(c *gin.Context, suffix string) (string, string, func(), bool) {
	if _, _, err := h.gateway.Authorize(c.Request.Context(), c.Param("device_id"), caller(c).ID); err != nil {
		h.fail(c, err)
		return "", "", nil, false
	}

	limits := h.gateway.Limits()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(limits.MaxUploadMB)<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Uploaded file is too large"})
			return "", "", nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "A file upload is required"})
		return "", "", nil, false
	}
	if fh.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Uploaded file is empty"})
		return "", "", nil, false
	}

	src, err := fh.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("open upload: %w", err))
		return "", "", nil, false
	}
	defer src.Close()

	tmp, err := os.CreateTemp(limits.UploadDir, "upload-*"+suffix)
	if err != nil {
		h.fail(c, fmt.Errorf("stage upload: %w", err))
		return "", "", nil, false
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.log.Warn().Err(err).Str("path", tmp.Name()).Msg("failed to remove staged upload")
		}
	}
	_, err = io.Copy(tmp, src)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		h.fail(c, fmt.Errorf("stage upload: %w", err))
		return "", "", nil, false
	}
	return tmp.Name(), fh.Filename, cleanup, true
}

// InstallAPK handles POST /api/devices/:device_id/actions/install-apk. The
// form carries the APK as "file" and an optional "reinstall" flag, default true.
func (h *Handler) InstallAPK(c *gin.Context) {
	localPath, name, cleanup, ok := h.stageUpload(c, ".apk")
	if !ok {
		return
	}
	defer cleanup()

	reinstall := true
	if v := c.PostForm("reinstall"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reinstall must be a boolean"})
			return
		}
		reinstall = b
	}

	result, err := h.gateway.InstallAPK(c.Request.Context(), c.Param("device_id"), caller(c).ID, localPath, name, reinstall)
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.Status != gateway.StatusSuccess {
		h.fail(c, result.Failure())
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": result.Message, "stdout": result.Stdout})
}

// PushFile handles POST /api/devices/:device_id/filesystem/push. The file is
// written to remote_dir (default /data) under remote_filename or its own name.
func (h *Handler) PushFile(c *gin.Context) {
	localPath, name, cleanup, ok := h.stageUpload(c, "")
	if !ok {
		return
	}
	defer cleanup()

	if v := c.PostForm("remote_filename"); v != "" {
		name = v
	}
	remotePath, err := gateway.RemotePath(c.PostForm("remote_dir"), name)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.gateway.PushFile(c.Request.Context(), c.Param("device_id"), caller(c).ID, localPath, remotePath)
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.Status != gateway.StatusSuccess {
		h.fail(c, result.Failure())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":     result.Message,
		"remote_path": remotePath,
		"command":     result.Command,
		"output":      result.Stdout,
	})
}

// FetchLogcat handles POST /api/devices/:device_id/actions/logcat and returns
// the dump as a text attachment.
func (h *Handler) FetchLogcat(c *gin.Context) {
	var opts gateway.LogcatOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	deviceID := c.Param("device_id")
	result, err := h.gateway.Logcat(c.Request.Context(), deviceID, caller(c).ID, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	if result.Status != gateway.StatusSuccess {
		h.fail(c, result.Failure())
		return
	}

	filename := fmt.Sprintf("%s_logcat_%s.log", deviceID, time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(result.Stdout))
}
