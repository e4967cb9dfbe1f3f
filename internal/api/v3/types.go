package v3

import (
	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// VersionResponse is a collection version with the URL of its artifact
type VersionResponse struct {
	*catalog.PackageVersion
	DownloadURL string `json:"download_url"`
}

// CollectionListResponse lists the highest version of every collection in a repository
type CollectionListResponse struct {
	Count   int               `json:"count"`
	Results []VersionResponse `json:"results"`
}

// VersionListResponse is one page of the versions of a collection
type VersionListResponse struct {
	Count    int               `json:"count"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Results  []VersionResponse `json:"results"`
}

// UploadResponse is returned for an accepted upload
type UploadResponse struct {
	Task      string        `json:"task"`
	State     tasking.State `json:"state"`
	Artifact  *artifact.Ref `json:"artifact"`
	Duplicate bool          `json:"duplicate"`
}

// SyncRequest is the body of a sync trigger
type SyncRequest struct {
	Remote       string  `json:"remote"`
	Requirements *string `json:"requirements,omitempty"`
	Optimize     *bool   `json:"optimize,omitempty"`
}
