package handler

import (
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/classroom-sync/internal/middleware"
	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/internal/service"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// defaultMaxUpload bounds multipart files when no limit is configured.
const defaultMaxUpload int64 = 25 << 20

func claimsFromContext(c *gin.Context) (*models.JWTClaims, error) {
	claims := middleware.Claims(c)
	if claims == nil || claims.UserID == "" {
		return nil, appErrors.ErrUnauthorized
	}
	return claims, nil
}

func bindJSON(c *gin.Context, dest interface{}, message string) error {
	if err := c.ShouldBindJSON(dest); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message)
	}
	return nil
}

// formFile reads an optional multipart file. A missing field yields nil.
func formFile(c *gin.Context, field string, maxBytes int64) (*service.Upload, error) {
	header, err := c.FormFile(field)
	if err != nil {
		if err == http.ErrMissingFile {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid multipart payload")
	}
	return readUpload(header, maxBytes)
}

func readUpload(header *multipart.FileHeader, maxBytes int64) (*service.Upload, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUpload
	}
	if header.Size > maxBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file too large")
	}
	f, err := header.Open()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable file")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable file")
	}
	if int64(len(data)) > maxBytes {
		return nil, appErrors.Clone(appErrors.ErrValidation, "file too large")
	}
	return &service.Upload{
		Name:        header.Filename,
		ContentType: strings.TrimSpace(header.Header.Get("Content-Type")),
		Data:        data,
	}, nil
}
