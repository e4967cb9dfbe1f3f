package sources

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUpstreamUnavailable is returned when the upstream cannot be reached or answers with an error
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidIndex is returned when an index page cannot be decoded
	ErrInvalidIndex = errors.New("invalid collection index page")
)

//go:generate mockgen -destination=mocks/mock_upstream_client.go -package=mocks -source=types.go UpstreamClient

// UpstreamClient lists and downloads collection versions from an upstream registry
type UpstreamClient interface {
	// FetchCollectionVersions pages through the collection version index of an upstream
	FetchCollectionVersions(ctx context.Context, req FetchRequest) (*FetchResult, error)

	// Download opens the artifact of an entry. The caller must close the reader.
	Download(ctx context.Context, baseURL string, entry CollectionVersionEntry) (io.ReadCloser, error)
}

// FetchRequest selects what to fetch from an upstream index
type FetchRequest struct {
	// BaseURL is the upstream registry root
	BaseURL string
	// Namespaces limits the fetch. When empty the whole index is fetched.
	Namespaces []string
	// SkipNamespaceRefilter trusts the upstream namespace filter and keeps every
	// returned entry. It can be set once the upstream filters correctly.
	SkipNamespaceRefilter bool
}

// NamespaceRef is the namespace object embedded in an index entry
type NamespaceRef struct {
	Name string `json:"name"`
}

// ArtifactInfo describes the artifact of an index entry
type ArtifactInfo struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size,omitempty"`
}

// CollectionVersionEntry is one collection version in an index page
type CollectionVersionEntry struct {
	Namespace   NamespaceRef `json:"namespace"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Artifact    ArtifactInfo `json:"artifact"`
	DownloadURL string       `json:"download_url"`
}

// FullName returns the dotted "namespace.name" identifier
func (e CollectionVersionEntry) FullName() string {
	return e.Namespace.Name + "." + e.Name
}

// IndexPage is one page of the collection version index
type IndexPage struct {
	Count        int                      `json:"count"`
	Next         *string                  `json:"next"`
	Previous     *string                  `json:"previous"`
	LastModified string                   `json:"last_modified,omitempty"`
	Results      []CollectionVersionEntry `json:"results"`
}

// FetchResult holds the merged entries of every fetched page
type FetchResult struct {
	// Entries are the collection versions in the order they were fetched, without duplicates
	Entries []CollectionVersionEntry
	// LastModified joins the last_modified markers reported by the upstream, one per namespace
	LastModified string
	// Pages is the number of pages fetched
	Pages int
	// Filtered is the number of entries dropped by the namespace filter
	Filtered int
}
