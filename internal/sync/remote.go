package sync

import (
	"fmt"

	"github.com/stacklok/collection-registry/internal/config"
	"github.com/stacklok/collection-registry/internal/requirements"
)

// RemoteOptions builds the sync options of a configured remote. The requirements
// document is read and parsed here, so a bad document fails before any job is
// submitted.
func RemoteOptions(remote *config.RemoteConfig) (Options, error) {
	if remote == nil {
		return Options{}, fmt.Errorf("%w: remote is required", ErrInvalidOptions)
	}

	text, err := remote.GetRequirements()
	if err != nil {
		return Options{}, err
	}
	reqs, err := ParseRequirements(text)
	if err != nil {
		return Options{}, fmt.Errorf("remote %s: %w", remote.Name, err)
	}

	opts := Options{
		Remote:            remote.Name,
		URL:               remote.URL,
		Target:            remote.Target,
		Requirements:      reqs,
		Optimize:          remote.GetOptimize(),
		RefilterNamespace: remote.GetRefilterNamespace(),
	}
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ParseRequirements parses a requirements document and checks every constraint
func ParseRequirements(text string) ([]requirements.Requirement, error) {
	reqs, err := requirements.Parse(text)
	if err != nil {
		return nil, err
	}
	if err := requirements.ValidateConstraints(reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}
