// Package requirements parses collection requirements documents into the
// normalized list of requirements used to drive a sync.
//
// A requirements document is YAML with a single recognized top-level key:
//
//	---
//	collections:
//	  - namespace.collection
//	  - name: namespace.collection
//	    version: ">=1.0.0,<2.0.0"
//	    source: https://galaxy.example.com
//
// Bare entries imply the version constraint "*" and no source.
package requirements

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// CollectionsKey is the top-level key holding the list of requirements
	CollectionsKey = "collections"

	// AnyVersion is the constraint applied when an entry does not specify one
	AnyVersion = "*"
)

var (
	// ErrMalformedDocument is returned when the text is not valid YAML
	ErrMalformedDocument = errors.New("malformed requirements document")
	// ErrSchemaViolation is returned when the YAML does not have the expected shape
	ErrSchemaViolation = errors.New("requirements schema violation")
)

// Requirement is a single (name, version constraint, source) entry
type Requirement struct {
	Name              string  `json:"name"`
	VersionConstraint string  `json:"version"`
	Source            *string `json:"source,omitempty"`
}

// Parse parses a requirements document. Empty input yields an empty list.
// The order of the returned requirements matches the document order.
func Parse(text string) ([]Requirement, error) {
	reqs := []Requirement{}
	if strings.TrimSpace(text) == "" {
		return reqs, nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse the collection requirements yml: %v", ErrMalformedDocument, err)
	}

	// A document holding only comments decodes to an empty node
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return reqs, nil
	}

	root := resolve(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, schemaErr("expecting collections requirements file to be a dict with the key %s "+
			"that contains a list of collections to install", CollectionsKey)
	}

	collections := lookup(root, CollectionsKey)
	if collections == nil {
		return nil, schemaErr("expecting collections requirements file to be a dict with the key %s "+
			"that contains a list of collections to install", CollectionsKey)
	}
	collections = resolve(collections)
	if collections.Kind != yaml.SequenceNode {
		return nil, schemaErr("the %s key must contain a list", CollectionsKey)
	}

	for i, entry := range collections.Content {
		req, err := parseEntry(resolve(entry), i)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}

	return reqs, nil
}

func parseEntry(entry *yaml.Node, index int) (Requirement, error) {
	switch entry.Kind {
	case yaml.ScalarNode:
		if isNull(entry) || strings.TrimSpace(entry.Value) == "" {
			return Requirement{}, schemaErr("collections[%d]: entry must be a collection name or a mapping", index)
		}
		return Requirement{Name: entry.Value, VersionConstraint: AnyVersion}, nil

	case yaml.MappingNode:
		req := Requirement{VersionConstraint: AnyVersion}
		hasName := false
		for i := 0; i+1 < len(entry.Content); i += 2 {
			key := entry.Content[i].Value
			value := resolve(entry.Content[i+1])
			if value.Kind != yaml.ScalarNode {
				return Requirement{}, schemaErr("collections[%d]: %s must be a scalar", index, key)
			}
			switch key {
			case "name":
				if isNull(value) {
					continue
				}
				req.Name = value.Value
				hasName = true
			case "version":
				if !isNull(value) && value.Value != "" {
					req.VersionConstraint = value.Value
				}
			case "source":
				if !isNull(value) {
					source := value.Value
					req.Source = &source
				}
			}
		}
		if !hasName {
			return Requirement{}, schemaErr("collections[%d]: collections requirement entry should contain the key name", index)
		}
		return req, nil

	default:
		return Requirement{}, schemaErr("collections[%d]: entry must be a collection name or a mapping", index)
	}
}

// Hash returns a stable fingerprint of a requirement list.
// A nil or empty list hashes to the empty string.
func Hash(reqs []Requirement) string {
	if len(reqs) == 0 {
		return ""
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		// Requirement only holds strings, so marshaling cannot fail
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func schemaErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSchemaViolation, fmt.Sprintf(format, args...))
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Tag == "!!null"
}
