package replica

import (
	"sync"

	earthstar "github.com/earthstar-project/earthstar-go"
)

// EventKind tags a replica event.
type EventKind string

const (
	EventWillClose        EventKind = "willClose"
	EventDidClose         EventKind = "didClose"
	EventIngest           EventKind = "ingest"
	EventAttachmentIngest EventKind = "attachment_ingest"
	EventAttachmentPrune  EventKind = "attachment_prune"
	EventExpire           EventKind = "expire"
)

// IngestKind classifies the outcome of an ingest event.
type IngestKind string

const (
	IngestSuccess             IngestKind = "success"
	IngestNothing             IngestKind = "nothing"
	IngestSuccessButNotLatest IngestKind = "success_but_not_latest"
	IngestFailure             IngestKind = "failure"
)

// Event is one entry in a replica's event stream. Fields beyond Kind
// are populated per kind: ingest events carry Doc/Ingest/Reason/
// SourceTag, attachment events carry Attachment and Size, expire events
// carry Doc.
type Event struct {
	Kind       EventKind
	Doc        *earthstar.Doc
	Ingest     IngestKind
	Reason     string
	SourceTag  string
	Attachment *AttachmentID
	Size       int64
	Err        error
}

// IngestResult is returned by Ingest and Set: the stored document (when
// one was stored) plus the outcome classification.
type IngestResult struct {
	Kind   IngestKind
	Doc    earthstar.Doc
	Reason string
}

// bus is a single-producer multi-consumer event fan-out. Subscribers
// choose their own buffering; a full buffer blocks the emitter
// (backpressure). Cancelled subscribers are dropped lazily at the next
// emission.
type bus struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	ch    chan Event
	done  chan struct{}
	kinds map[EventKind]bool // nil means every kind
}

func newBus() *bus {
	return &bus{}
}

// subscribe registers a new subscriber. buffer is the channel capacity;
// zero makes every emission rendezvous with the receiver. kinds narrows
// the stream to the named channels; none means all.
func (b *bus) subscribe(buffer int, kinds ...EventKind) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(sub.done) })
	}
	return sub.ch, cancel
}

// emit delivers ev to every live subscriber. The subscriber list is
// snapshotted first so subscriptions and cancellations during emission
// cannot corrupt the iteration.
func (b *bus) emit(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := make([]*subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	var dead []*subscriber
	for _, sub := range snapshot {
		select {
		case <-sub.done:
			dead = append(dead, sub)
			continue
		default:
		}
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case <-sub.done:
			dead = append(dead, sub)
		case sub.ch <- ev:
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		live := b.subs[:0]
		for _, sub := range b.subs {
			if !containsSub(dead, sub) {
				live = append(live, sub)
			}
		}
		b.subs = live
		b.mu.Unlock()
	}
}

// close shuts the bus down, closing every subscriber channel.
func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

func containsSub(list []*subscriber, s *subscriber) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
