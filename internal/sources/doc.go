// Package sources fetches collection metadata and artifacts from upstream
// registries.
//
// An upstream exposes a paginated collection version index at
//
//	{base}/api/v3/collection-versions/?namespace=<ns>&page=<n>
//
// Each page is a JSON document with "results" and an optional "next" link.
// Some upstreams ignore the namespace filter and return every namespace, so
// pages are filtered again on the client (see FilterNamespace) before they
// are merged into a FetchResult.
//
// Architecture:
//   - UpstreamClient: interface used by the sync to list and download collections
//   - HTTPUpstream: the httpclient based implementation
//   - IndexPage and CollectionVersionEntry: the wire format of an index page,
//     also served by this registry so registries can be chained
package sources
