package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/collection-registry/internal/httpclient"
	"github.com/stacklok/collection-registry/internal/otel"
	"github.com/stacklok/collection-registry/internal/tasking"
)

const (
	// CollectionVersionsPath is the index endpoint relative to an upstream base URL
	CollectionVersionsPath = "/api/v3/collection-versions/"

	// DefaultMaxPages bounds how many pages a single fetch follows
	DefaultMaxPages = 1000
)

// HTTPUpstream implements UpstreamClient over an httpclient.Client
type HTTPUpstream struct {
	httpClient httpclient.Client
	maxPages   int
	tracer     trace.Tracer
}

// UpstreamOption configures an HTTPUpstream
type UpstreamOption func(*HTTPUpstream)

// WithMaxPages bounds the number of pages followed per namespace
func WithMaxPages(n int) UpstreamOption {
	return func(u *HTTPUpstream) {
		if n > 0 {
			u.maxPages = n
		}
	}
}

// WithTracer sets the tracer used for fetch spans
func WithTracer(t trace.Tracer) UpstreamOption {
	return func(u *HTTPUpstream) {
		u.tracer = t
	}
}

// NewHTTPUpstream creates an upstream client
func NewHTTPUpstream(httpClient httpclient.Client, opts ...UpstreamOption) *HTTPUpstream {
	u := &HTTPUpstream{
		httpClient: httpClient,
		maxPages:   DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

var _ UpstreamClient = (*HTTPUpstream)(nil)

// FetchCollectionVersions implements UpstreamClient
func (u *HTTPUpstream) FetchCollectionVersions(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	ctx, span := otel.StartSpan(ctx, u.tracer, "sources.FetchCollectionVersions")
	defer span.End()

	result := &FetchResult{}
	seen := make(map[string]bool)
	var markers []string

	targets := req.Namespaces
	if len(targets) == 0 {
		targets = []string{""}
	}

	for _, ns := range targets {
		startURL, err := CollectionVersionsURL(req.BaseURL, ns)
		if err != nil {
			otel.RecordError(span, err)
			return nil, err
		}

		refilter := ns != "" && !req.SkipNamespaceRefilter
		marker, err := u.fetchNamespace(ctx, startURL, ns, refilter, result, seen)
		if err != nil {
			otel.RecordError(span, err)
			return nil, err
		}
		if marker != "" {
			if ns != "" {
				marker = ns + "=" + marker
			}
			markers = append(markers, marker)
		}
	}

	sort.Strings(markers)
	result.LastModified = strings.Join(markers, ",")
	span.SetAttributes(otel.AttrResultCount.Int(len(result.Entries)))

	slog.DebugContext(ctx, "Fetched collection index",
		"url", req.BaseURL,
		"namespaces", req.Namespaces,
		"pages", result.Pages,
		"entries", len(result.Entries),
		"filtered", result.Filtered,
	)
	return result, nil
}

func (u *HTTPUpstream) fetchNamespace(
	ctx context.Context, startURL, namespace string, refilter bool, result *FetchResult, seen map[string]bool,
) (string, error) {
	pageURL, err := PageURL(startURL, 1)
	if err != nil {
		return "", err
	}

	visited := make(map[string]bool)
	var marker string
	for page := 1; pageURL != ""; page++ {
		if page > u.maxPages {
			return "", fmt.Errorf("%w: more than %d pages at %s", ErrInvalidIndex, u.maxPages, startURL)
		}
		if visited[pageURL] {
			return "", fmt.Errorf("%w: page %s links back to itself", ErrInvalidIndex, pageURL)
		}
		visited[pageURL] = true

		data, err := u.httpClient.Get(ctx, pageURL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("fetching %s: %w", pageURL, ctxErr)
			}
			return "", fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		result.Pages++
		tasking.Heartbeat(ctx)

		var header IndexPage
		if err := json.Unmarshal(data, &header); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidIndex, pageURL, err)
		}
		if page == 1 {
			marker = header.LastModified
		}

		entries := header.Results
		if refilter {
			entries, err = FilterNamespace(data, namespace)
			if err != nil {
				return "", err
			}
			result.Filtered += len(header.Results) - len(entries)
		}

		for _, e := range entries {
			key := e.FullName() + "@" + e.Version
			if seen[key] {
				continue
			}
			seen[key] = true
			result.Entries = append(result.Entries, e)
		}

		pageURL = ""
		if header.Next != nil && *header.Next != "" {
			pageURL, err = resolveURL(startURL, *header.Next)
			if err != nil {
				return "", fmt.Errorf("%w: bad next link %q: %v", ErrInvalidIndex, *header.Next, err)
			}
		}
	}
	return marker, nil
}

// Download implements UpstreamClient
func (u *HTTPUpstream) Download(ctx context.Context, baseURL string, entry CollectionVersionEntry) (io.ReadCloser, error) {
	if entry.DownloadURL == "" {
		return nil, fmt.Errorf("%w: %s %s has no download url", ErrInvalidIndex, entry.FullName(), entry.Version)
	}
	target, err := resolveURL(baseURL, entry.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad download url %q: %v", ErrInvalidIndex, entry.DownloadURL, err)
	}

	body, err := u.httpClient.Download(ctx, target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("downloading %s %s: %w", entry.FullName(), entry.Version, ctxErr)
		}
		var httpErr *httpclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < 500 {
			return nil, fmt.Errorf("failed to download %s %s: %w", entry.FullName(), entry.Version, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return body, nil
}

// FilterNamespace decodes the results of a raw index page keeping only entries of
// the given namespace. Upstreams that ignore the namespace query parameter return
// every namespace; this step drops the extra entries.
func FilterNamespace(page []byte, namespace string) ([]CollectionVersionEntry, error) {
	if !gjson.ValidBytes(page) {
		return nil, fmt.Errorf("%w: page is not valid JSON", ErrInvalidIndex)
	}

	names := gjson.GetBytes(page, "results.#.namespace.name").Array()
	results := gjson.GetBytes(page, "results").Array()

	out := make([]CollectionVersionEntry, 0, len(results))
	for i, raw := range results {
		if i >= len(names) || names[i].String() != namespace {
			continue
		}
		var e CollectionVersionEntry
		if err := json.Unmarshal([]byte(raw.Raw), &e); err != nil {
			return nil, fmt.Errorf("%w: result %d: %v", ErrInvalidIndex, i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CollectionVersionsURL returns the index URL of baseURL, filtered to namespace when set
func CollectionVersionsURL(baseURL, namespace string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid upstream url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid upstream url %q: scheme and host are required", baseURL)
	}

	base.Path = strings.TrimSuffix(base.Path, "/") + CollectionVersionsPath
	if namespace != "" {
		q := base.Query()
		q.Set("namespace", namespace)
		base.RawQuery = q.Encode()
	}
	return base.String(), nil
}

// PageURL returns rawURL with its page query parameter set to page, keeping
// every other parameter
func PageURL(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid page url %q: %w", rawURL, err)
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
