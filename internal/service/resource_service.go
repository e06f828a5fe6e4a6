package service

import (
	"context"
	"strings"
	"time"

	"github.com/noah-isme/classroom-sync/internal/models"
	"github.com/noah-isme/classroom-sync/pkg/docstore"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// UploadResourceRequest carries the resource's comma separated tags.
type UploadResourceRequest struct {
	CourseID string `json:"course_id" validate:"required"`
	Tags     string `json:"tags"`
}

// ResourceService uploads and removes course resources.
type ResourceService struct {
	mutationBase
}

// NewResourceService constructs ResourceService.
func NewResourceService(deps MutationDeps) *ResourceService {
	return &ResourceService{mutationBase: newMutationBase(deps)}
}

// SplitTags splits a comma separated list, trimming entries and dropping empty ones.
func SplitTags(raw string) []string {
	tags := make([]string, 0)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// ResourceType is the lowercased text after the last dot. A name without a
// dot is its own type.
func ResourceType(name string) string {
	name = strings.ToLower(name)
	return name[strings.LastIndex(name, ".")+1:]
}

// Upload stores the file and records the resource.
func (s *ResourceService) Upload(ctx context.Context, teacherID string, req UploadResourceRequest, file *Upload) (resource *models.Resource, err error) {
	defer s.observe("upload_resource", time.Now(), &err)

	if file.empty() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "pick a file")
	}
	if err := s.validate(req, "course required"); err != nil {
		return nil, err
	}
	if _, err := s.ownedCourse(ctx, teacherID, req.CourseID); err != nil {
		return nil, err
	}

	name := file.FileName()
	blobPath := s.stampedPath("resources/"+req.CourseID, file)
	url, err := s.upload(ctx, blobPath, file)
	if err != nil {
		return nil, err
	}

	tags := SplitTags(req.Tags)
	kind := ResourceType(name)
	id, err := s.store.Add(ctx, models.CollectionResources, docstore.Fields{
		models.FieldCourseID:  req.CourseID,
		"name":                name,
		"url":                 url,
		"path":                blobPath,
		"tags":                tags,
		"type":                kind,
		models.FieldCreatedAt: docstore.ServerTimestamp,
	})
	if err != nil {
		s.orphaned(blobPath, err)
		return nil, writeError(err, "failed to upload")
	}
	return &models.Resource{ID: id, CourseID: req.CourseID, Name: name, URL: url, Path: blobPath, Tags: tags, Type: kind}, nil
}

// Delete removes the resource document, then its blob. A failed blob delete
// is logged and leaves the blob orphaned.
func (s *ResourceService) Delete(ctx context.Context, teacherID, resourceID string) (err error) {
	defer s.observe("delete_resource", time.Now(), &err)

	doc, err := s.store.Get(ctx, models.CollectionResources, resourceID)
	if err != nil {
		return writeError(err, "resource not found")
	}
	if _, err := s.ownedCourse(ctx, teacherID, doc.String(models.FieldCourseID)); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, models.CollectionResources, resourceID); err != nil {
		return writeError(err, "failed to delete resource")
	}
	if blobPath := doc.String("path"); blobPath != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, blobPath); err != nil {
			s.orphaned(blobPath, err)
		}
	}
	return nil
}
