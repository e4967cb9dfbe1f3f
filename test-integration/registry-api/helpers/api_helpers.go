package helpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/onsi/gomega"

	v3 "github.com/stacklok/collection-registry/internal/api/v3"
	"github.com/stacklok/collection-registry/internal/sources"
	"github.com/stacklok/collection-registry/internal/tasking"
)

func (s *ServerTestHelper) url(path string) string {
	return s.baseURL + v3.Prefix + path
}

// Upload posts an artifact to repository, optionally with its expected sha256
func (s *ServerTestHelper) Upload(repository string, data []byte, sha256 string) (*http.Response, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if sha256 != "" {
		if err := w.WriteField("sha256", sha256); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("file", "collection.tar.gz")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost,
		s.url("/repositories/"+repository+"/artifacts/collections/"), &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return s.httpClient.Do(req)
}

// MustUpload uploads data and returns the accepted upload
func (s *ServerTestHelper) MustUpload(repository string, data []byte) *v3.UploadResponse {
	resp, err := s.Upload(repository, data, "")
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	expectStatus(resp, http.StatusAccepted)

	var out v3.UploadResponse
	decode(resp, &out)
	return &out
}

// GetTask fetches a task
func (s *ServerTestHelper) GetTask(id string) (*tasking.Job, error) {
	resp, err := s.httpClient.Get(s.url("/tasks/" + id + "/"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET task %s: %s", id, readBody(resp))
	}
	var job tasking.Job
	decode(resp, &job)
	return &job, nil
}

// WaitForTask waits until a task reaches a terminal state and returns it
func (s *ServerTestHelper) WaitForTask(id string, timeout time.Duration) *tasking.Job {
	var job *tasking.Job
	gomega.Eventually(func() error {
		var err error
		job, err = s.GetTask(id)
		if err != nil {
			return err
		}
		if !job.State.IsTerminal() {
			return fmt.Errorf("task %s is %s", id, job.State)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed())
	return job
}

// ListCollections lists the highest version of every collection in repository
func (s *ServerTestHelper) ListCollections(repository string) *v3.CollectionListResponse {
	resp, err := s.httpClient.Get(s.url("/repositories/" + repository + "/collections/"))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	expectStatus(resp, http.StatusOK)

	var out v3.CollectionListResponse
	decode(resp, &out)
	return &out
}

// ListVersions lists the versions of a collection
func (s *ServerTestHelper) ListVersions(repository, namespace, name string) *v3.VersionListResponse {
	resp, err := s.httpClient.Get(s.url(fmt.Sprintf("/repositories/%s/collections/%s/%s/versions/",
		repository, namespace, name)))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	expectStatus(resp, http.StatusOK)

	var out v3.VersionListResponse
	decode(resp, &out)
	return &out
}

// GetIndex fetches the collection version index of repository
func (s *ServerTestHelper) GetIndex(repository string) *sources.IndexPage {
	resp, err := s.httpClient.Get(s.url("/repositories/" + repository + "/collection-versions/"))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	expectStatus(resp, http.StatusOK)

	var out sources.IndexPage
	decode(resp, &out)
	return &out
}

// Do sends a request with an optional JSON body to a path under the API prefix
func (s *ServerTestHelper) Do(method, path, jsonBody string) (*http.Response, error) {
	var body io.Reader
	if jsonBody != "" {
		body = strings.NewReader(jsonBody)
	}
	req, err := http.NewRequest(method, s.url(path), body)
	if err != nil {
		return nil, err
	}
	if jsonBody != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.httpClient.Do(req)
}

// Download fetches an artifact by its absolute download path
func (s *ServerTestHelper) Download(downloadURL string) (*http.Response, error) {
	return s.httpClient.Get(s.baseURL + downloadURL)
}

// TriggerSync starts a sync of remote into repository and returns the job
func (s *ServerTestHelper) TriggerSync(repository string, body string) *tasking.Job {
	resp, err := s.Do(http.MethodPost, "/repositories/"+repository+"/sync/", body)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	expectStatus(resp, http.StatusAccepted)

	var job tasking.Job
	decode(resp, &job)
	return &job
}

// DecodeResult re-decodes the untyped result of a job into out
func DecodeResult(job *tasking.Job, out any) {
	raw, err := json.Marshal(job.Result)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	gomega.Expect(json.Unmarshal(raw, out)).To(gomega.Succeed())
}

// expectStatus fails with the response body when resp does not have the wanted status
func expectStatus(resp *http.Response, want int) {
	if resp.StatusCode != want {
		body := readBody(resp)
		gomega.Expect(resp.StatusCode).To(gomega.Equal(want), body)
	}
}

func decode(resp *http.Response, out any) {
	defer func() {
		_ = resp.Body.Close()
	}()
	gomega.Expect(json.NewDecoder(resp.Body).Decode(out)).To(gomega.Succeed())
}

func readBody(resp *http.Response) string {
	defer func() {
		_ = resp.Body.Close()
	}()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
