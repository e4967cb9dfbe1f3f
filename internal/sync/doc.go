// Package sync mirrors collections from an upstream registry into a local
// repository.
//
// A sync run moves through these phases:
//
//	idle -> fetchingMetadata -> filtering -> diffing -> noop | importing -> done
//
//   - fetchingMetadata pages through the upstream collection version index
//     (see package sources), one namespace at a time.
//   - filtering keeps the versions selected by the requirements. An empty
//     requirements list keeps everything.
//   - diffing computes a fingerprint of the filtered index. With optimize set,
//     an unchanged fingerprint ends the run as a no-op without spawning jobs.
//   - importing downloads missing artifacts through the artifact intake and
//     submits one import job per artifact, reserving the artifact digest and
//     the target repository.
//
// The fingerprint is stored in the sync state of the (remote, target) pair
// only when every import job completed, so a failed or interrupted run is
// retried in full next time.
//
// The sync/coordinator subpackage triggers syncs of configured remotes on
// their sync interval. The sync/state subpackage persists sync status.
package sync
