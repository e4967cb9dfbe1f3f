package integration

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/collection-registry/internal/logging"
)

var (
	ctx    context.Context
	cancel context.CancelFunc
)

func TestRegistryAPIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration tests in short mode")
	}
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry API Integration Suite")
}

var _ = BeforeSuite(func() {
	slog.SetDefault(slog.New(logging.NewHandler(
		logging.WithOutput(GinkgoWriter),
		logging.WithLevel(slog.LevelDebug),
	)))

	ctx, cancel = context.WithCancel(context.TODO())
})

var _ = AfterSuite(func() {
	cancel()
})

// createTempDir creates a temporary directory for test files
func createTempDir(prefix string) string {
	dir, err := os.MkdirTemp("", prefix)
	Expect(err).NotTo(HaveOccurred())
	return dir
}

// cleanupTempDir removes a temporary directory
func cleanupTempDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		By(fmt.Sprintf("Warning: failed to cleanup temp dir %s: %v", dir, err))
	}
}

// createDir creates dir and its parents
func createDir(dir string) error {
	return os.MkdirAll(dir, 0750)
}
