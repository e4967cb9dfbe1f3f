package versions

import (
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Record is a single version of a package as seen by the resolver.
// Item carries the caller's payload unchanged.
type Record[T any] struct {
	Version   string
	CreatedAt time.Time
	Item      T
}

// Anomaly reports a record whose semantic version equals a record that sorts
// ahead of it. Two rows for the same version are an integrity violation; the
// canonical one is the most recently created.
type Anomaly[T any] struct {
	Canonical Record[T]
	Duplicate Record[T]
}

// Resolution is the outcome of resolving a set of version records
type Resolution[T any] struct {
	// Ordered holds every input record, highest first
	Ordered []Record[T]
	// Highest is the single canonical highest record, nil for empty input
	Highest *Record[T]
	// Anomalies lists semantically equal records that lost to a canonical one
	Anomalies []Anomaly[T]
}

type parsed[T any] struct {
	rec Record[T]
	sv  *semver.Version
}

// Resolve orders records by semantic version, descending. Records whose version is
// not valid semver sort after every valid one, in descending string order.
// Records with equal versions are ordered newest first; all but the first are
// reported as anomalies and kept in Ordered.
func Resolve[T any](records []Record[T]) Resolution[T] {
	res := Resolution[T]{Ordered: make([]Record[T], 0, len(records))}
	if len(records) == 0 {
		return res
	}

	items := make([]parsed[T], 0, len(records))
	for _, r := range records {
		sv, err := semver.NewVersion(r.Version)
		if err != nil {
			sv = nil
		}
		items = append(items, parsed[T]{rec: r, sv: sv})
	}

	slices.SortStableFunc(items, func(a, b parsed[T]) int {
		if c := compareVersions(a, b); c != 0 {
			return -c
		}
		if c := b.rec.CreatedAt.Compare(a.rec.CreatedAt); c != 0 {
			return c
		}
		// Same precedence and creation time: fall back to the raw text so the
		// order does not depend on input order
		return strings.Compare(b.rec.Version, a.rec.Version)
	})

	for i, it := range items {
		res.Ordered = append(res.Ordered, it.rec)
		if i == 0 {
			continue
		}
		// Items are sorted, so any equal version sits right after its canonical run
		canonical := i - 1
		for canonical > 0 && compareVersions(items[canonical-1], it) == 0 {
			canonical--
		}
		if compareVersions(items[canonical], it) == 0 {
			res.Anomalies = append(res.Anomalies, Anomaly[T]{
				Canonical: items[canonical].rec,
				Duplicate: it.rec,
			})
		}
	}

	highest := res.Ordered[0]
	res.Highest = &highest
	return res
}

// compareVersions orders valid semver above invalid versions, then by precedence.
// Build metadata is ignored by semver precedence, so "1.0.0" and "1.0.0+b2" compare equal.
func compareVersions[T any](a, b parsed[T]) int {
	switch {
	case a.sv != nil && b.sv != nil:
		return a.sv.Compare(b.sv)
	case a.sv != nil:
		return 1
	case b.sv != nil:
		return -1
	default:
		return strings.Compare(a.rec.Version, b.rec.Version)
	}
}
