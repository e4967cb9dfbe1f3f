package service

import (
	"io"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// UploadRequest is an artifact upload into a repository
type UploadRequest struct {
	Repository string
	Body       io.Reader
	// SHA256 is the optional expected hex digest of the body
	SHA256 string
}

// UploadResult is the outcome of an accepted upload
type UploadResult struct {
	Artifact  *artifact.Ref
	Duplicate bool
	Job       *tasking.Job
}

// VersionPage is one page of collection versions
type VersionPage struct {
	Total    int
	Page     int
	PageSize int
	Items    []*catalog.PackageVersion
}

// IndexItem is a version listed by the repository index with its stored artifact
type IndexItem struct {
	Version  *catalog.PackageVersion
	Artifact *artifact.Ref
}

// IndexPage is one page of the repository index
type IndexPage struct {
	Total    int
	Page     int
	PageSize int
	// LastModified is the creation time of the newest version in the listing, RFC 3339
	LastModified string
	Items        []IndexItem
}

// HasNext reports whether a page follows this one
func (p *IndexPage) HasNext() bool {
	return p.Page*p.PageSize < p.Total
}

// SyncRequest asks for a sync of a configured remote
type SyncRequest struct {
	Remote string
	// Target overrides the remote's target repository when set
	Target string
	// Requirements replaces the remote's requirements document when set
	Requirements *string
	// Optimize overrides the remote's optimize setting when set
	Optimize *bool
}
