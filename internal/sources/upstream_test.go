package sources_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/collection-registry/internal/httpclient"
	"github.com/stacklok/collection-registry/internal/sources"
)

func entry(namespace, name, version string) map[string]any {
	return map[string]any{
		"namespace":    map[string]any{"name": namespace},
		"name":         name,
		"version":      version,
		"artifact":     map[string]any{"sha256": "abc" + version, "size": 10},
		"download_url": fmt.Sprintf("/download/%s-%s-%s.tar.gz", namespace, name, version),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var _ = Describe("HTTPUpstream", func() {
	var (
		ctx        context.Context
		mockServer *httptest.Server
		requests   []string
	)

	BeforeEach(func() {
		ctx = context.Background()
		requests = nil
	})

	AfterEach(func() {
		if mockServer != nil {
			mockServer.Close()
			mockServer = nil
		}
	})

	Describe("FetchCollectionVersions", func() {
		Context("upstream ignoring the namespace filter", func() {
			BeforeEach(func() {
				mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					requests = append(requests, r.URL.RequestURI())
					if r.URL.Path != sources.CollectionVersionsPath {
						w.WriteHeader(http.StatusNotFound)
						return
					}
					switch r.URL.Query().Get("page") {
					case "1":
						next := "/api/v3/collection-versions/?namespace=" + r.URL.Query().Get("namespace") + "&page=2"
						writeJSON(w, map[string]any{
							"count":         3,
							"next":          next,
							"last_modified": "2024-03-01T00:00:00Z",
							"results": []any{
								entry("community", "general", "1.0.0"),
								entry("other", "thing", "0.1.0"),
							},
						})
					case "2":
						writeJSON(w, map[string]any{
							"count":   3,
							"next":    nil,
							"results": []any{entry("community", "general", "1.1.0")},
						})
					default:
						w.WriteHeader(http.StatusBadRequest)
					}
				}))
			})

			It("follows next links and drops other namespaces", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				result, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{
					BaseURL:    mockServer.URL,
					Namespaces: []string{"community"},
				})
				Expect(err).NotTo(HaveOccurred())

				Expect(result.Pages).To(Equal(2))
				Expect(result.Filtered).To(Equal(1))
				Expect(result.Entries).To(HaveLen(2))
				Expect(result.Entries[0].FullName()).To(Equal("community.general"))
				Expect(result.Entries[0].Version).To(Equal("1.0.0"))
				Expect(result.Entries[1].Version).To(Equal("1.1.0"))
				Expect(result.LastModified).To(Equal("community=2024-03-01T00:00:00Z"))
				Expect(requests[0]).To(Equal("/api/v3/collection-versions/?namespace=community&page=1"))
			})

			It("keeps every namespace when the filter is disabled", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				result, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{
					BaseURL:               mockServer.URL,
					Namespaces:            []string{"community"},
					SkipNamespaceRefilter: true,
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Entries).To(HaveLen(3))
				Expect(result.Filtered).To(BeZero())
			})

			It("fetches the whole index without namespaces", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				result, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{BaseURL: mockServer.URL})
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Entries).To(HaveLen(3))
				Expect(result.LastModified).To(Equal("2024-03-01T00:00:00Z"))
			})

			It("stops after the page limit", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0), sources.WithMaxPages(1))
				_, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{
					BaseURL:    mockServer.URL,
					Namespaces: []string{"community"},
				})
				Expect(err).To(MatchError(sources.ErrInvalidIndex))
			})
		})

		Context("upstream returning errors", func() {
			BeforeEach(func() {
				mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusServiceUnavailable)
				}))
			})

			It("reports the upstream as unavailable", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				_, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{
					BaseURL:    mockServer.URL,
					Namespaces: []string{"community"},
				})
				Expect(err).To(MatchError(sources.ErrUpstreamUnavailable))
				Expect(err.Error()).To(ContainSubstring("HTTP 503"))
			})

			It("reports a canceled fetch as canceled", func() {
				canceled, cancel := context.WithCancel(ctx)
				cancel()

				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				_, err := upstream.FetchCollectionVersions(canceled, sources.FetchRequest{BaseURL: mockServer.URL})
				Expect(err).To(MatchError(context.Canceled))
				Expect(err).NotTo(MatchError(sources.ErrUpstreamUnavailable))
			})
		})

		Context("upstream returning garbage", func() {
			BeforeEach(func() {
				mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					_, _ = w.Write([]byte("not json"))
				}))
			})

			It("rejects the page", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				_, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{BaseURL: mockServer.URL})
				Expect(err).To(MatchError(sources.ErrInvalidIndex))
			})
		})

		Context("upstream linking a page to itself", func() {
			BeforeEach(func() {
				mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, map[string]any{
						"next":    r.URL.RequestURI(),
						"results": []any{},
					})
				}))
			})

			It("detects the loop", func() {
				upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
				_, err := upstream.FetchCollectionVersions(ctx, sources.FetchRequest{BaseURL: mockServer.URL})
				Expect(err).To(MatchError(sources.ErrInvalidIndex))
				Expect(err.Error()).To(ContainSubstring("links back to itself"))
			})
		})
	})

	Describe("Download", func() {
		BeforeEach(func() {
			mockServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/download/community-general-1.0.0.tar.gz" {
					_, _ = w.Write([]byte("artifact bytes"))
					return
				}
				w.WriteHeader(http.StatusNotFound)
			}))
		})

		It("resolves relative download urls", func() {
			upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
			e := sources.CollectionVersionEntry{
				Namespace:   sources.NamespaceRef{Name: "community"},
				Name:        "general",
				Version:     "1.0.0",
				DownloadURL: "/download/community-general-1.0.0.tar.gz",
			}
			body, err := upstream.Download(ctx, mockServer.URL, e)
			Expect(err).NotTo(HaveOccurred())
			defer body.Close()

			data, err := io.ReadAll(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("artifact bytes"))
		})

		It("does not mark missing artifacts as an outage", func() {
			upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
			e := sources.CollectionVersionEntry{
				Namespace:   sources.NamespaceRef{Name: "community"},
				Name:        "general",
				Version:     "9.9.9",
				DownloadURL: "/download/missing.tar.gz",
			}
			_, err := upstream.Download(ctx, mockServer.URL, e)
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(sources.ErrUpstreamUnavailable))
		})

		It("reports a canceled download as canceled", func() {
			canceled, cancel := context.WithCancel(ctx)
			cancel()

			upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
			e := sources.CollectionVersionEntry{
				Namespace:   sources.NamespaceRef{Name: "community"},
				Name:        "general",
				Version:     "1.0.0",
				DownloadURL: "/download/community-general-1.0.0.tar.gz",
			}
			_, err := upstream.Download(canceled, mockServer.URL, e)
			Expect(err).To(MatchError(context.Canceled))
			Expect(err).NotTo(MatchError(sources.ErrUpstreamUnavailable))
		})

		It("requires a download url", func() {
			upstream := sources.NewHTTPUpstream(httpclient.NewDefaultClient(0))
			_, err := upstream.Download(ctx, mockServer.URL, sources.CollectionVersionEntry{Name: "general"})
			Expect(err).To(MatchError(sources.ErrInvalidIndex))
		})
	})
})
