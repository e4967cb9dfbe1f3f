package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v3 "github.com/stacklok/collection-registry/internal/api/v3"
	"github.com/stacklok/collection-registry/internal/importer"
	"github.com/stacklok/collection-registry/internal/tasking"
	"github.com/stacklok/collection-registry/test-integration/registry-api/helpers"
)

var _ = Describe("Collection Uploads", Label("upload"), func() {
	var (
		tempDir      string
		serverHelper *helpers.ServerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("upload-test-")
		configFile := helpers.WriteConfigYAML(tempDir, helpers.ConfigOptions{
			DataDir: filepath.Join(tempDir, "data"),
			Workers: 2,
			MaxSize: 1 << 20,
		})

		var err error
		serverHelper, err = helpers.NewServerTestHelper(ctx, configFile)
		Expect(err).NotTo(HaveOccurred())
		Expect(serverHelper.StartServer()).To(Succeed())
		serverHelper.WaitForServerReady(10 * time.Second)
	})

	AfterEach(func() {
		Expect(serverHelper.StopServer()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	importVersion := func(repository string, data []byte) *v3.UploadResponse {
		upload := serverHelper.MustUpload(repository, data)
		job := serverHelper.WaitForTask(upload.Task, 10*time.Second)
		Expect(job.State).To(Equal(tasking.StateCompleted), "import failed: %+v", job.Failure)
		return upload
	}

	Context("Importing collections", func() {
		It("should catalog uploaded versions and track the highest one", func() {
			importVersion("published", importer.BuildCollectionArtifact("acme", "tools", "1.0.0"))
			importVersion("published", importer.BuildCollectionArtifact("acme", "tools", "1.2.0"))
			importVersion("published", importer.BuildCollectionArtifact("acme", "tools", "1.1.0"))
			importVersion("published", importer.BuildCollectionArtifact("acme", "net", "0.1.0"))

			list := serverHelper.ListCollections("published")
			Expect(list.Count).To(Equal(2))
			highest := map[string]string{}
			for _, pv := range list.Results {
				Expect(pv.IsHighest).To(BeTrue())
				highest[pv.Namespace+"."+pv.Name] = pv.Version
			}
			Expect(highest).To(Equal(map[string]string{"acme.tools": "1.2.0", "acme.net": "0.1.0"}))

			versions := serverHelper.ListVersions("published", "acme", "tools")
			Expect(versions.Count).To(Equal(3))
			var got []string
			for _, pv := range versions.Results {
				got = append(got, pv.Version)
			}
			Expect(got).To(ConsistOf("1.0.0", "1.1.0", "1.2.0"))

			By("keeping repositories apart")
			Expect(serverHelper.ListCollections("staging").Count).To(BeZero())
		})

		It("should accept the same artifact twice without duplicating the version", func() {
			data := importer.BuildCollectionArtifact("acme", "tools", "2.0.0")
			first := importVersion("published", data)
			Expect(first.Duplicate).To(BeFalse())

			second := importVersion("published", data)
			Expect(second.Duplicate).To(BeTrue())
			Expect(second.Artifact.Digest).To(Equal(first.Artifact.Digest))

			Expect(serverHelper.ListVersions("published", "acme", "tools").Count).To(Equal(1))
		})

		It("should import one artifact into several repositories", func() {
			data := importer.BuildCollectionArtifact("acme", "tools", "1.0.0")
			importVersion("published", data)
			importVersion("staging", data)

			Expect(serverHelper.ListCollections("published").Count).To(Equal(1))
			Expect(serverHelper.ListCollections("staging").Count).To(Equal(1))
		})

		It("should serve uploaded artifacts for download", func() {
			data := importer.BuildCollectionArtifact("acme", "tools", "1.0.0")
			importVersion("published", data)

			versions := serverHelper.ListVersions("published", "acme", "tools")
			Expect(versions.Results).To(HaveLen(1))

			resp, err := serverHelper.Download(versions.Results[0].DownloadURL)
			Expect(err).NotTo(HaveOccurred())
			defer func() {
				_ = resp.Body.Close()
			}()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal(data))
		})

		It("should toggle the certified flag", func() {
			importVersion("published", importer.BuildCollectionArtifact("acme", "tools", "1.0.0"))

			path := "/repositories/published/collections/acme/tools/versions/1.0.0/certified/"
			resp, err := serverHelper.Do(http.MethodPut, path, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			var pv v3.VersionResponse
			Expect(json.NewDecoder(resp.Body).Decode(&pv)).To(Succeed())
			_ = resp.Body.Close()
			Expect(pv.IsCertified).To(BeTrue())

			resp, err = serverHelper.Do(http.MethodDelete, path, "")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(serverHelper.ListVersions("published", "acme", "tools").Results[0].IsCertified).To(BeFalse())
		})
	})

	Context("Rejecting uploads", func() {
		It("should reject an artifact whose sha256 does not match", func() {
			data := importer.BuildCollectionArtifact("acme", "tools", "1.0.0")
			wrong := sha256.Sum256([]byte("something else"))

			resp, err := serverHelper.Upload("published", data, hex.EncodeToString(wrong[:]))
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(serverHelper.ListCollections("published").Count).To(BeZero())
		})

		It("should accept an artifact whose sha256 matches", func() {
			data := importer.BuildCollectionArtifact("acme", "tools", "1.0.0")
			sum := sha256.Sum256(data)

			resp, err := serverHelper.Upload("published", data, hex.EncodeToString(sum[:]))
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})

		It("should fail the import of an archive without a manifest", func() {
			data := importer.BuildArchive(map[string][]byte{"README.md": []byte("no manifest")})

			upload := serverHelper.MustUpload("published", data)
			job := serverHelper.WaitForTask(upload.Task, 10*time.Second)
			Expect(job.State).To(Equal(tasking.StateFailed))
			Expect(job.Failure).NotTo(BeNil())
			Expect(job.Failure.Code).To(Equal(importer.CodeInvalidArtifact))
			Expect(serverHelper.ListCollections("published").Count).To(BeZero())
		})

		It("should reject artifacts above the size limit", func() {
			data := make([]byte, 2<<20)

			resp, err := serverHelper.Upload("published", data, "")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
		})

		It("should answer 404 for unknown collections and tasks", func() {
			resp, err := serverHelper.Do(http.MethodGet, "/repositories/published/collections/acme/missing/", "")
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			_, err = serverHelper.GetTask("00000000-0000-0000-0000-000000000000")
			Expect(err).To(HaveOccurred())
		})
	})
})
