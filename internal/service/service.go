// Package service provides the business logic for the collection registry API
package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/tasking"
)

const (
	// DefaultPageSize is used when a list request does not set a page size
	DefaultPageSize = 10
	// MaxPageSize caps the page size of list requests
	MaxPageSize = 100
)

var (
	// ErrInvalidRequest is returned when request parameters are missing or malformed
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRemoteNotFound is returned when a sync names a remote that is not configured
	ErrRemoteNotFound = errors.New("remote not found")
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks -source=service.go RegistryService

// RegistryService defines the interface for collection registry operations
type RegistryService interface {
	// CheckReadiness checks if the service is ready to serve requests
	CheckReadiness(ctx context.Context) error

	// Upload verifies and stores an artifact, then submits a job importing it into a repository
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)

	// ListCollections returns the highest version of every collection in a repository
	ListCollections(ctx context.Context, repository string, opts ...Option[ListCollectionsOptions]) ([]*catalog.PackageVersion, error)

	// ListVersions returns one page of the versions of a collection, highest first
	ListVersions(ctx context.Context, repository, namespace, name string, opts ...Option[ListVersionsOptions]) (*VersionPage, error)

	// ListIndex returns one page of every version in a repository in the upstream index format
	ListIndex(ctx context.Context, repository string, opts ...Option[ListIndexOptions]) (*IndexPage, error)

	// GetHighest returns the highest version of a collection
	GetHighest(ctx context.Context, repository, namespace, name string) (*catalog.PackageVersion, error)

	// GetVersion returns one version of a collection
	GetVersion(ctx context.Context, repository, namespace, name, version string) (*catalog.PackageVersion, error)

	// SetCertified sets or clears the certified flag of a version
	SetCertified(ctx context.Context, repository, namespace, name, version string, certified bool) (*catalog.PackageVersion, error)

	// OpenArtifact returns the bytes of a stored artifact
	OpenArtifact(ctx context.Context, digest string) (io.ReadCloser, *artifact.Ref, error)

	// JobStatus returns the current snapshot of a job
	JobStatus(ctx context.Context, id string) (*tasking.Job, error)

	// CancelJob cancels a queued or running job
	CancelJob(ctx context.Context, id string) (*tasking.Job, error)

	// TriggerSync submits a sync of a configured remote
	TriggerSync(ctx context.Context, req SyncRequest) (*tasking.Job, error)
}

// Option is a function that sets an option for the ListCollections, ListVersions,
// or ListIndex operation
type Option[T ListCollectionsOptions | ListVersionsOptions | ListIndexOptions] func(*T) error

// ListCollectionsOptions is the options for the ListCollections operation
type ListCollectionsOptions struct {
	Namespace string
}

// ListVersionsOptions is the options for the ListVersions operation
type ListVersionsOptions struct {
	Page     int
	PageSize int
}

// ListIndexOptions is the options for the ListIndex operation
type ListIndexOptions struct {
	Namespace string
	Page      int
	PageSize  int
}

// WithNamespace limits the ListCollections or ListIndex operation to a namespace
func WithNamespace[T ListCollectionsOptions | ListIndexOptions](namespace string) Option[T] {
	return func(o *T) error {
		if namespace == "" {
			return fmt.Errorf("%w: empty namespace", ErrInvalidRequest)
		}
		switch o := any(o).(type) {
		case *ListCollectionsOptions:
			o.Namespace = namespace
		case *ListIndexOptions:
			o.Namespace = namespace
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithPage sets the 1-based page for the ListVersions or ListIndex operation
func WithPage[T ListVersionsOptions | ListIndexOptions](page int) Option[T] {
	return func(o *T) error {
		if page < 1 {
			return fmt.Errorf("%w: page must be at least 1, got %d", ErrInvalidRequest, page)
		}
		switch o := any(o).(type) {
		case *ListVersionsOptions:
			o.Page = page
		case *ListIndexOptions:
			o.Page = page
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}

// WithPageSize sets the page size for the ListVersions or ListIndex operation.
// Sizes above MaxPageSize are capped.
func WithPageSize[T ListVersionsOptions | ListIndexOptions](size int) Option[T] {
	return func(o *T) error {
		if size < 1 {
			return fmt.Errorf("%w: page size must be at least 1, got %d", ErrInvalidRequest, size)
		}
		size = min(size, MaxPageSize)
		switch o := any(o).(type) {
		case *ListVersionsOptions:
			o.PageSize = size
		case *ListIndexOptions:
			o.PageSize = size
		default:
			return fmt.Errorf("invalid option type: %T", o)
		}
		return nil
	}
}
