package replica

import (
	"context"
	"time"

	"github.com/earthstar-project/earthstar-go/query"
)

// armExpiryTimerLocked schedules a sweep at the earliest known
// deleteAfter. Caller holds r.mu. Expired documents are already
// invisible to queries before the sweep runs; the timer only makes the
// physical erase prompt.
func (r *Replica) armExpiryTimerLocked(ctx context.Context) {
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}

	docs, err := r.docs.QueryDocs(ctx, canonical(query.Query{HistoryMode: query.HistoryAll}))
	if err != nil {
		r.log.Warn("expiry scan failed", "error", err)
		return
	}

	var earliest int64
	for _, doc := range docs {
		if doc.DeleteAfter == 0 {
			continue
		}
		if earliest == 0 || doc.DeleteAfter < earliest {
			earliest = doc.DeleteAfter
		}
	}
	if earliest == 0 {
		return
	}

	delay := time.Duration(earliest-r.clock()) * time.Microsecond
	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, func() {
		r.SweepExpired(context.Background())
	})
}

// SweepExpired erases every document past its deleteAfter, emits an
// expire event per erased doc, prunes attachments they referenced, and
// re-arms the timer for the next deadline. It runs automatically; it is
// exported so tests and callers with their own schedule can force it.
func (r *Replica) SweepExpired(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	erased, err := r.docs.EraseExpiredDocs(ctx, r.clock())
	if err != nil {
		r.mu.Unlock()
		r.log.Warn("expiry sweep failed", "error", err)
		return
	}

	r.armExpiryTimerLocked(ctx)
	r.mu.Unlock()

	for i := range erased {
		r.bus.emit(Event{Kind: EventExpire, Doc: &erased[i]})
	}

	hadAttachment := false
	for _, doc := range erased {
		if doc.HasAttachment() {
			hadAttachment = true
			break
		}
	}
	if hadAttachment {
		if _, err := r.pruneAttachments(ctx); err != nil {
			r.log.Warn("attachment prune after expiry failed", "error", err)
		}
	}

	if len(erased) > 0 {
		r.log.Debug("expired documents erased", "count", len(erased))
	}
}
