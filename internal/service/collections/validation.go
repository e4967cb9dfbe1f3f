package collections

import (
	"fmt"
	"regexp"

	"github.com/stacklok/collection-registry/internal/service"
)

var (
	repositoryPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	// namePattern matches the collection_info namespace and name rules of MANIFEST.json
	namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

func validateRepository(repository string) error {
	if !repositoryPattern.MatchString(repository) {
		return fmt.Errorf("%w: invalid repository name %q", service.ErrInvalidRequest, repository)
	}
	return nil
}

func validateCollection(repository, namespace, name string) error {
	if err := validateRepository(repository); err != nil {
		return err
	}
	if !namePattern.MatchString(namespace) {
		return fmt.Errorf("%w: invalid namespace %q", service.ErrInvalidRequest, namespace)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid collection name %q", service.ErrInvalidRequest, name)
	}
	return nil
}
