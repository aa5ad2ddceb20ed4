// Package storage moves exported snapshot files to and from object storage.
package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Common errors for storage operations. Implementations wrap them so callers
// can test with errors.Is.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrInvalidPath    = errors.New("invalid object path")
)

// ObjectStorage abstracts the object store snapshot exports are kept in.
// Implementations exist for S3-compatible services and the local filesystem.
type ObjectStorage interface {
	// Upload copies localPath to objectPath, replacing any existing object.
	Upload(ctx context.Context, localPath, objectPath string) error

	// UploadIfAbsent copies localPath to objectPath unless the object exists,
	// in which case it returns ErrObjectExists.
	UploadIfAbsent(ctx context.Context, localPath, objectPath string) error

	// Download copies objectPath to localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under prefix, sorted.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// CleanObjectPath normalizes an object path to slash-separated form without
// a leading slash. Paths escaping the root are rejected.
func CleanObjectPath(objectPath string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(objectPath, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.Contains(objectPath, "..") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}
