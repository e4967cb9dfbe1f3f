// Package importer turns a stored collection artifact into a catalog entry.
// It is the body of the import jobs run by the dispatcher.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/artifact"
	"github.com/stacklok/collection-registry/internal/catalog"
	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/tasking"
)

// ErrExpectationMismatch is returned when the manifest names a different collection than expected
var ErrExpectationMismatch = errors.New("collection does not match the expected identity")

// Failure codes reported for failed import jobs
const (
	CodeInvalidArtifact     tasking.FailureCode = "InvalidArtifact"
	CodeExpectationMismatch tasking.FailureCode = "ExpectationMismatch"
	CodeVersionConflict     tasking.FailureCode = "VersionConflict"
)

// Error carries the failure code of an import error
type Error struct {
	Code tasking.FailureCode
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// FailureCode implements tasking.CodedError
func (e *Error) FailureCode() tasking.FailureCode {
	return e.Code
}

// Expectation is the identity an artifact must declare, as listed by an upstream index
type Expectation struct {
	Namespace string
	Name      string
	Version   string
}

// Request describes one import
type Request struct {
	Repository string
	Digest     digest.Digest
	// Expect is optional. When set the manifest must declare the same collection.
	Expect *Expectation
}

// Result is the outcome of a successful import
type Result struct {
	CollectionVersion *catalog.PackageVersion `json:"collection_version"`
	Created           bool                    `json:"created"`
}

// Importer reads artifacts from a blob store and records them in a catalog
type Importer struct {
	blobs   artifact.Store
	catalog catalog.Store
	tracer  trace.Tracer
}

// Option configures an Importer
type Option func(*Importer)

// WithTracer sets the tracer used for import spans
func WithTracer(t trace.Tracer) Option {
	return func(im *Importer) {
		im.tracer = t
	}
}

// New creates an Importer. It fails if the embedded manifest schema does not compile.
func New(blobs artifact.Store, store catalog.Store, opts ...Option) (*Importer, error) {
	if blobs == nil || store == nil {
		return nil, fmt.Errorf("artifact store and catalog are required")
	}
	if _, err := compileManifestSchema(); err != nil {
		return nil, err
	}
	im := &Importer{blobs: blobs, catalog: store}
	for _, opt := range opts {
		opt(im)
	}
	return im, nil
}

// Job returns the job body importing req
func (im *Importer) Job(req Request) tasking.Func {
	return func(ctx context.Context, p *tasking.Progress) (any, error) {
		res, err := im.Import(ctx, req, p)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

// Import validates the artifact manifest and adds the collection version to the
// repository. The catalog write is the last step, so a failed import leaves the
// catalog untouched.
func (im *Importer) Import(ctx context.Context, req Request, p *tasking.Progress) (*Result, error) {
	ctx, span := otel.StartSpan(ctx, im.tracer, "importer.Import")
	defer span.End()
	span.SetAttributes(
		otel.AttrRepository.String(req.Repository),
		otel.AttrArtifactDigest.String(req.Digest.String()),
	)

	res, err := im.importArtifact(ctx, req, p)
	if err != nil {
		otel.RecordError(span, err)
		p.Logf("Import failed: %v", err)
		return nil, err
	}
	return res, nil
}

func (im *Importer) importArtifact(ctx context.Context, req Request, p *tasking.Progress) (*Result, error) {
	p.Logf("Importing artifact %s into %s", req.Digest, req.Repository)

	blob, err := im.blobs.Open(ctx, req.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", req.Digest, err)
	}
	defer blob.Close()

	manifest, err := ReadManifest(ctx, blob)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &Error{Code: CodeInvalidArtifact, Err: err}
	}
	p.Heartbeat()

	info := manifest.CollectionInfo
	if err := checkExpectation(req.Expect, &info); err != nil {
		return nil, &Error{Code: CodeExpectationMismatch, Err: err}
	}
	if _, err := semver.StrictNewVersion(info.Version); err != nil {
		return nil, &Error{
			Code: CodeInvalidArtifact,
			Err:  fmt.Errorf("%w: version %q is not a semantic version", ErrInvalidManifest, info.Version),
		}
	}

	stored, created, err := im.catalog.AddVersion(ctx, &catalog.PackageVersion{
		Repository:     req.Repository,
		Namespace:      info.Namespace,
		Name:           info.Name,
		Version:        info.Version,
		ArtifactDigest: req.Digest.String(),
		Metadata:       info.metadata(),
	})
	if err != nil {
		if errors.Is(err, catalog.ErrVersionConflict) {
			return nil, &Error{Code: CodeVersionConflict, Err: err}
		}
		return nil, err
	}

	if created {
		p.Logf("Created collection version %s %s", stored.FullName(), stored.Version)
	} else {
		p.Logf("Collection version %s %s is already present", stored.FullName(), stored.Version)
	}
	slog.InfoContext(ctx, "Imported collection",
		"repository", req.Repository,
		"collection", stored.FullName(),
		"version", stored.Version,
		"created", created,
		"highest", stored.IsHighest,
	)
	return &Result{CollectionVersion: stored, Created: created}, nil
}

func checkExpectation(expect *Expectation, info *CollectionInfo) error {
	if expect == nil {
		return nil
	}
	if expect.Namespace != info.Namespace || expect.Name != info.Name || expect.Version != info.Version {
		return fmt.Errorf("%w: expected %s.%s %s, artifact declares %s.%s %s", ErrExpectationMismatch,
			expect.Namespace, expect.Name, expect.Version,
			info.Namespace, info.Name, info.Version)
	}
	return nil
}
