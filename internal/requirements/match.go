package requirements

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Namespace returns the namespace part of a dotted "namespace.name" requirement
func (r Requirement) Namespace() string {
	ns, _, _ := strings.Cut(r.Name, ".")
	return ns
}

// Collection returns the collection name part of a dotted "namespace.name" requirement
func (r Requirement) Collection() string {
	_, name, _ := strings.Cut(r.Name, ".")
	return name
}

// Constraint compiles the version constraint. A nil constraint matches any version.
func (r Requirement) Constraint() (*semver.Constraints, error) {
	raw := strings.TrimSpace(r.VersionConstraint)
	if raw == "" || raw == AnyVersion {
		return nil, nil
	}

	// Requirements files use "==" for exact pins; semver constraints spell it "="
	raw = strings.ReplaceAll(raw, "==", "=")

	c, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q for %s: %w", r.VersionConstraint, r.Name, err)
	}
	return c, nil
}

// Matches reports whether the requirement selects the given collection version
func (r Requirement) Matches(namespace, name, version string) bool {
	if r.Namespace() != namespace || r.Collection() != name {
		return false
	}

	c, err := r.Constraint()
	if err != nil {
		return false
	}
	if c == nil {
		return true
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Namespaces returns the distinct namespaces named by the requirements, in order
func Namespaces(reqs []Requirement) []string {
	seen := make(map[string]bool, len(reqs))
	var out []string
	for _, r := range reqs {
		ns := r.Namespace()
		if ns == "" || seen[ns] {
			continue
		}
		seen[ns] = true
		out = append(out, ns)
	}
	return out
}

// Select reports whether any requirement matches. An empty list selects everything.
func Select(reqs []Requirement, namespace, name, version string) bool {
	if len(reqs) == 0 {
		return true
	}
	for _, r := range reqs {
		if r.Matches(namespace, name, version) {
			return true
		}
	}
	return false
}

// ValidateConstraints checks that every requirement names a "namespace.name"
// collection and has a valid version constraint
func ValidateConstraints(reqs []Requirement) error {
	for i, r := range reqs {
		if r.Namespace() == "" || r.Collection() == "" {
			return schemaErr("collections[%d]: %q is not a namespace.name collection identifier", i, r.Name)
		}
		if _, err := r.Constraint(); err != nil {
			return schemaErr("collections[%d]: %v", i, err)
		}
	}
	return nil
}
