package importer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ManifestFileName is the collection manifest at the root of an artifact
const ManifestFileName = "MANIFEST.json"

const (
	manifestSchemaURL = "https://collection-registry.local/schemas/manifest.json"
	maxManifestSize   = 1 << 20
)

//go:embed manifest.schema.json
var manifestSchema []byte

var compileManifestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(manifestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(manifestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema: %w", err)
	}
	return c.Compile(manifestSchemaURL)
})

var (
	// ErrInvalidArchive is returned when an artifact is not a gzip compressed tarball
	ErrInvalidArchive = errors.New("invalid collection archive")
	// ErrManifestNotFound is returned when an artifact has no MANIFEST.json
	ErrManifestNotFound = errors.New("MANIFEST.json not found in collection archive")
	// ErrInvalidManifest is returned when MANIFEST.json does not match the manifest schema
	ErrInvalidManifest = errors.New("invalid collection manifest")
)

// CollectionInfo is the collection_info section of MANIFEST.json
type CollectionInfo struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	Version       string            `json:"version"`
	Authors       []string          `json:"authors,omitempty"`
	Description   string            `json:"description,omitempty"`
	License       []string          `json:"license,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Dependencies  map[string]string `json:"dependencies,omitempty"`
	Repository    string            `json:"repository,omitempty"`
	Homepage      string            `json:"homepage,omitempty"`
	Documentation string            `json:"documentation,omitempty"`
	Issues        string            `json:"issues,omitempty"`
}

// Manifest is the decoded MANIFEST.json
type Manifest struct {
	Format         int            `json:"format,omitempty"`
	CollectionInfo CollectionInfo `json:"collection_info"`
}

// metadata returns the descriptive fields stored alongside a catalog entry
func (ci *CollectionInfo) metadata() map[string]any {
	md := map[string]any{}
	if len(ci.Authors) > 0 {
		md["authors"] = ci.Authors
	}
	if ci.Description != "" {
		md["description"] = ci.Description
	}
	if len(ci.License) > 0 {
		md["license"] = ci.License
	}
	if len(ci.Tags) > 0 {
		md["tags"] = ci.Tags
	}
	if len(ci.Dependencies) > 0 {
		md["dependencies"] = ci.Dependencies
	}
	for key, value := range map[string]string{
		"repository":    ci.Repository,
		"homepage":      ci.Homepage,
		"documentation": ci.Documentation,
		"issues":        ci.Issues,
	} {
		if value != "" {
			md[key] = value
		}
	}
	return md
}

// ReadManifest locates MANIFEST.json in a gzip compressed collection tarball,
// validates it against the manifest schema and decodes it
func ReadManifest(ctx context.Context, r io.Reader) (*Manifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrManifestNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Clean(strings.TrimPrefix(hdr.Name, "./")) != ManifestFileName {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(tr, maxManifestSize+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		if len(data) > maxManifestSize {
			return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrInvalidManifest, ManifestFileName, maxManifestSize)
		}
		return ParseManifest(data)
	}
}

// ParseManifest validates and decodes the contents of MANIFEST.json
func ParseManifest(data []byte) (*Manifest, error) {
	schema, err := compileManifestSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return &m, nil
}
