package handler

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
	"github.com/noah-isme/classroom-sync/pkg/response"
)

type blobOpener interface {
	Open(name, token string) (*os.File, error)
}

// FileHandler serves blobs written by the local storage driver behind signed URLs.
type FileHandler struct {
	blobs blobOpener
}

// NewFileHandler constructs the handler.
func NewFileHandler(blobs blobOpener) *FileHandler {
	return &FileHandler{blobs: blobs}
}

// Download godoc
// @Summary Download an uploaded file
// @Tags Files
// @Param path path string true "Blob path"
// @Param token query string false "Signed URL token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /files/{path} [get]
func (h *FileHandler) Download(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("path"), "/")
	file, err := h.blobs.Open(name, c.Query("token"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "file not found"))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrForbidden.Code, appErrors.ErrForbidden.Status, "invalid or expired link"))
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read file"))
		return
	}
	c.Header("Content-Disposition", "inline; filename=\""+path.Base(name)+"\"")
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), file)
}
