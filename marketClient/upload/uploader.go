// Package upload stores submission deliverables in object storage.
package upload

import (
	"context"
	"net/http"
	"strings"
)

// File is a deliverable to upload.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Result locates an uploaded object.
type Result struct {
	Key string
	URL string
}

// Uploader stores a file on behalf of owner. Private objects are only
// reachable through a time-limited URL.
type Uploader interface {
	Upload(ctx context.Context, file File, owner string, private bool) (Result, error)
}

// MaxFileSize bounds a single deliverable.
const MaxFileSize = 20 << 20

// detectContentType returns the declared content type, or sniffs one from data.
func (f File) detectContentType() string {
	ct := strings.TrimSpace(f.ContentType)
	if ct != "" {
		return ct
	}
	return http.DetectContentType(f.Data)
}
