package helpers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/onsi/gomega"
)

// RemoteOptions describes a remote written by WriteConfigYAML
type RemoteOptions struct {
	Name         string
	URL          string
	Target       string
	Requirements string
	SyncInterval string
	Optimize     *bool
}

// ConfigOptions holds the settings written by WriteConfigYAML
type ConfigOptions struct {
	DataDir    string
	Workers    int
	MaxSize    int64
	JobTimeout string
	LeaseTTL   string
	Remotes    []RemoteOptions
}

// WriteConfigYAML writes a file storage configuration into dir and returns its path
func WriteConfigYAML(dir string, opts ConfigOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "storage:\n  type: file\n  dataDir: %s\n", opts.DataDir)

	if opts.Workers > 0 || opts.LeaseTTL != "" || opts.JobTimeout != "" {
		b.WriteString("tasks:\n")
		if opts.Workers > 0 {
			fmt.Fprintf(&b, "  workers: %d\n", opts.Workers)
		}
		if opts.JobTimeout != "" {
			fmt.Fprintf(&b, "  jobTimeout: %s\n", opts.JobTimeout)
		}
		if opts.LeaseTTL != "" {
			fmt.Fprintf(&b, "  leaseTTL: %s\n", opts.LeaseTTL)
		}
	}

	if opts.MaxSize > 0 {
		fmt.Fprintf(&b, "intake:\n  maxSize: %d\n", opts.MaxSize)
	}

	if len(opts.Remotes) > 0 {
		b.WriteString("remotes:\n")
		for _, r := range opts.Remotes {
			fmt.Fprintf(&b, "  - name: %s\n    url: %s\n    target: %s\n", r.Name, r.URL, r.Target)
			if r.Requirements != "" {
				b.WriteString("    requirements: |\n")
				for _, line := range strings.Split(strings.TrimRight(r.Requirements, "\n"), "\n") {
					fmt.Fprintf(&b, "      %s\n", line)
				}
			}
			if r.Optimize != nil {
				fmt.Fprintf(&b, "    optimize: %t\n", *r.Optimize)
			}
			if r.SyncInterval != "" {
				fmt.Fprintf(&b, "    syncPolicy:\n      interval: %s\n", r.SyncInterval)
			}
		}
	}

	configPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(configPath, []byte(b.String()), 0600)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return configPath
}
