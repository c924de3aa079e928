package zone

import (
	"mediazones/internal/command"
	"mediazones/internal/media"
)

// DefaultQueueMax bounds the presentation queue when no limit is
// configured.
const DefaultQueueMax = 8

// QueueItem is one pending image or video presentation request.
type QueueItem struct {
	Name command.Name // NameSetImage or NamePlayVideo
	Path string       // resolved absolute path
	Kind media.Kind
	Cmd  command.Command
}

// static reports whether presenting this item leaves a still frame on
// screen: an image, or a video loaded as a paused poster via setImage.
func (i QueueItem) static() bool {
	return i.Kind == media.KindImage || i.Name == command.NameSetImage
}

func (i QueueItem) equal(other QueueItem) bool {
	return i.Name == other.Name && i.Path == other.Path && i.Cmd.Loop == other.Cmd.Loop
}

// PushResult describes what Push did with the new item.
type PushResult struct {
	// Deduped: the item was an identical consecutive request and was dropped.
	Deduped bool
	// Replaced: the item replaced a static tail in place.
	Replaced bool
	// DroppedOldest: the queue was full and the oldest entry was evicted.
	DroppedOldest bool
}

// PresentationQueue is the ordered list of pending display requests for a
// screen zone. Owned by a single controller goroutine, so no locking.
type PresentationQueue struct {
	items []QueueItem
	max   int
}

func NewPresentationQueue(max int) *PresentationQueue {
	if max <= 0 {
		max = DefaultQueueMax
	}
	return &PresentationQueue{max: max}
}

// Push applies the dedupe/replace policy before appending:
// an identical consecutive request is dropped; a static tail (image or
// video poster) is replaced in place by the new item; otherwise the item
// is appended, evicting the oldest entry if the bound is exceeded.
func (q *PresentationQueue) Push(item QueueItem) PushResult {
	if n := len(q.items); n > 0 {
		tail := q.items[n-1]
		if tail.equal(item) {
			return PushResult{Deduped: true}
		}
		if tail.static() {
			q.items[n-1] = item
			return PushResult{Replaced: true}
		}
	}
	q.items = append(q.items, item)
	if len(q.items) > q.max {
		q.items = q.items[1:]
		return PushResult{DroppedOldest: true}
	}
	return PushResult{}
}

// Pop removes and returns the head of the queue.
func (q *PresentationQueue) Pop() (QueueItem, bool) {
	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *PresentationQueue) Len() int { return len(q.items) }

func (q *PresentationQueue) Clear() { q.items = nil }
