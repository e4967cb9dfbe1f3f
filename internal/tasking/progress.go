package tasking

import (
	"context"
	"errors"
	"fmt"
)

// Progress lets a running job append to its progress log and renew its lease
type Progress struct {
	d  *Dispatcher
	id string
}

type progressKey struct{}

func contextWithProgress(ctx context.Context, p *Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

// Heartbeat renews the lease of the job whose context ctx derives from.
// Outside a job it does nothing.
func Heartbeat(ctx context.Context) {
	if p, ok := ctx.Value(progressKey{}).(*Progress); ok {
		p.Heartbeat()
	}
}

// JobID returns the id of the job this handle belongs to
func (p *Progress) JobID() string {
	if p == nil {
		return ""
	}
	return p.id
}

// Log appends a message to the job's progress log. Logging also renews the lease.
func (p *Progress) Log(message string) {
	if p == nil || p.d == nil {
		return
	}
	p.d.appendProgress(p.id, message)
}

// Logf is Log with formatting
func (p *Progress) Logf(format string, args ...any) {
	p.Log(fmt.Sprintf(format, args...))
}

// Heartbeat renews the job's lease without adding to the progress log
func (p *Progress) Heartbeat() {
	if p == nil || p.d == nil {
		return
	}
	p.d.heartbeat(p.id)
}

// Await blocks until every job in ids is finished and returns their final
// snapshots in the same order. The waiting job keeps its lease but gives up its
// worker slot, so jobs it spawned can run even on a single-worker dispatcher.
func (p *Progress) Await(ctx context.Context, ids ...string) ([]*Job, error) {
	if p == nil || p.d == nil {
		return nil, errors.New("progress handle is not attached to a dispatcher")
	}
	return p.d.await(ctx, p.id, ids)
}
