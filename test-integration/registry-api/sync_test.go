package integration

import (
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/collection-registry/internal/importer"
	pkgsync "github.com/stacklok/collection-registry/internal/sync"
	"github.com/stacklok/collection-registry/internal/tasking"
	"github.com/stacklok/collection-registry/test-integration/registry-api/helpers"
)

const toolsRequirements = `collections:
  - name: acme.tools
    version: ">=1.1.0"
`

var _ = Describe("Registry to Registry Sync", Label("sync"), func() {
	var (
		tempDir    string
		upstream   *helpers.ServerTestHelper
		downstream *helpers.ServerTestHelper
	)

	publish := func(namespace, name, version string) {
		upload := upstream.MustUpload("published", importer.BuildCollectionArtifact(namespace, name, version))
		job := upstream.WaitForTask(upload.Task, 10*time.Second)
		Expect(job.State).To(Equal(tasking.StateCompleted), "publish failed: %+v", job.Failure)
	}

	startDownstream := func(remote helpers.RemoteOptions) {
		dir := filepath.Join(tempDir, "downstream")
		Expect(createDir(dir)).To(Succeed())
		configFile := helpers.WriteConfigYAML(dir, helpers.ConfigOptions{
			DataDir: filepath.Join(dir, "data"),
			Workers: 2,
			Remotes: []helpers.RemoteOptions{remote},
		})

		var err error
		downstream, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(downstream.StartServer()).To(Succeed())
		downstream.WaitForServerReady(10 * time.Second)
	}

	runSync := func(body string) (*tasking.Job, *pkgsync.Run) {
		job := downstream.TriggerSync("mirror", body)
		job = downstream.WaitForTask(job.ID, 30*time.Second)
		var run pkgsync.Run
		if job.Result != nil {
			helpers.DecodeResult(job, &run)
		}
		return job, &run
	}

	mirroredVersions := func(namespace, name string) []string {
		var out []string
		for _, pv := range downstream.ListVersions("mirror", namespace, name).Results {
			out = append(out, pv.Version)
		}
		return out
	}

	BeforeEach(func() {
		tempDir = createTempDir("sync-test-")

		dir := filepath.Join(tempDir, "upstream")
		Expect(createDir(dir)).To(Succeed())
		configFile := helpers.WriteConfigYAML(dir, helpers.ConfigOptions{
			DataDir: filepath.Join(dir, "data"),
			Workers: 2,
		})

		var err error
		upstream, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(upstream.StartServer()).To(Succeed())
		upstream.WaitForServerReady(10 * time.Second)

		publish("acme", "tools", "1.0.0")
		publish("acme", "tools", "1.1.0")
		publish("acme", "tools", "1.2.0")
		publish("acme", "net", "3.0.0")
		publish("other", "tools", "9.9.9")
	})

	AfterEach(func() {
		if downstream != nil {
			Expect(downstream.StopServer()).To(Succeed())
			downstream = nil
		}
		Expect(upstream.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	Context("Index", func() {
		It("should publish every version on the content index", func() {
			page := upstream.GetIndex("published")
			Expect(page.Count).To(Equal(5))
			Expect(page.Results).To(HaveLen(5))
			for _, e := range page.Results {
				Expect(e.Artifact.SHA256).To(HaveLen(64))
				Expect(e.DownloadURL).NotTo(BeEmpty())
			}
		})
	})

	Context("Manual sync", func() {
		BeforeEach(func() {
			startDownstream(helpers.RemoteOptions{
				Name:         "upstream",
				URL:          upstream.ContentURL("published"),
				Target:       "mirror",
				Requirements: toolsRequirements,
			})
		})

		It("should import the versions matching the requirements", func() {
			job, run := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted), "sync failed: %+v", job.Failure)
			Expect(run.Outcome).To(Equal(pkgsync.OutcomeCompleted))
			Expect(run.Added).To(Equal(2))
			Expect(run.Failed).To(BeZero())

			Expect(mirroredVersions("acme", "tools")).To(ConsistOf("1.1.0", "1.2.0"))
			Expect(downstream.ListCollections("mirror").Count).To(Equal(1))
		})

		It("should skip a second sync when nothing changed upstream", func() {
			job, _ := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))

			job, run := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))
			Expect(run.Outcome).To(Equal(pkgsync.OutcomeNoop))
			Expect(run.Added).To(BeZero())
		})

		It("should pick up new upstream versions", func() {
			job, _ := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))

			publish("acme", "tools", "1.3.0")

			job, run := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted), "sync failed: %+v", job.Failure)
			Expect(run.Outcome).To(Equal(pkgsync.OutcomeCompleted))
			Expect(run.Added).To(Equal(1))
			Expect(run.Duplicate).To(Equal(2))
			Expect(mirroredVersions("acme", "tools")).To(ConsistOf("1.1.0", "1.2.0", "1.3.0"))
		})

		It("should run every import again when optimization is disabled", func() {
			job, _ := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))

			job, run := runSync(`{"remote":"upstream","optimize":false}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))
			Expect(run.Outcome).To(Equal(pkgsync.OutcomeCompleted))
			Expect(run.Added).To(BeZero())
			Expect(run.Duplicate).To(Equal(2))
		})

		It("should honour a requirements override", func() {
			job, run := runSync(`{"remote":"upstream","requirements":"collections:\n  - acme.net\n  - other.tools\n"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted), "sync failed: %+v", job.Failure)
			Expect(run.Added).To(Equal(2))

			Expect(mirroredVersions("acme", "net")).To(ConsistOf("3.0.0"))
			Expect(mirroredVersions("other", "tools")).To(ConsistOf("9.9.9"))
			Expect(downstream.ListCollections("mirror").Count).To(Equal(2))
		})

		It("should serve mirrored artifacts with the upstream digests", func() {
			job, _ := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateCompleted))

			want := map[string]string{}
			for _, e := range upstream.GetIndex("published").Results {
				want[e.FullName()+"@"+e.Version] = e.Artifact.SHA256
			}
			for _, e := range downstream.GetIndex("mirror").Results {
				Expect(e.Artifact.SHA256).To(Equal(want[e.FullName()+"@"+e.Version]))
			}
		})
	})

	Context("Failing syncs", func() {
		It("should fail when the upstream is unreachable", func() {
			startDownstream(helpers.RemoteOptions{
				Name:         "upstream",
				URL:          "http://127.0.0.1:1/content/published",
				Target:       "mirror",
				Requirements: toolsRequirements,
			})

			job, _ := runSync(`{"remote":"upstream"}`)
			Expect(job.State).To(Equal(tasking.StateFailed))
			Expect(job.Failure).NotTo(BeNil())
			Expect(job.Failure.Code).To(Equal(pkgsync.CodeUpstreamUnavailable))
		})
	})

	Context("Periodic sync", func() {
		It("should sync remotes with a sync policy on start", func() {
			startDownstream(helpers.RemoteOptions{
				Name:         "upstream",
				URL:          upstream.ContentURL("published"),
				Target:       "mirror",
				Requirements: toolsRequirements,
				SyncInterval: "1h",
			})

			Eventually(func() int {
				return downstream.ListCollections("mirror").Count
			}, 30*time.Second, 200*time.Millisecond).Should(Equal(1))
			Eventually(func() []string {
				return mirroredVersions("acme", "tools")
			}, 30*time.Second, 200*time.Millisecond).Should(ConsistOf("1.1.0", "1.2.0"))
		})
	})
})
