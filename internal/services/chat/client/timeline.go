package client

import "github.com/louisbranch/marketchat/internal/services/chat/wire"

// Item is one timeline row. Confirmed rows use the message seq as ID;
// optimistic placeholders use negative IDs.
type Item struct {
	ID      int64
	Message wire.Message
	Pending bool
}

// Timeline holds one room's messages newest-first.
type Timeline struct {
	items []Item
	seqs  map[int64]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{seqs: make(map[int64]struct{})}
}

// Items returns a copy of the rows, newest-first.
func (t *Timeline) Items() []Item {
	out := make([]Item, len(t.items))
	copy(out, t.items)
	return out
}

// Len returns the number of rows including placeholders.
func (t *Timeline) Len() int {
	return len(t.items)
}

// OldestSeq returns the smallest confirmed seq, or zero when none is loaded.
func (t *Timeline) OldestSeq() int64 {
	for i := len(t.items) - 1; i >= 0; i-- {
		if !t.items[i].Pending {
			return t.items[i].Message.Seq
		}
	}
	return 0
}

// prependPlaceholder puts an unconfirmed message at the top.
func (t *Timeline) prependPlaceholder(localID int64, message wire.Message) {
	t.items = append([]Item{{ID: localID, Message: message, Pending: true}}, t.items...)
}

// removePlaceholder drops the placeholder with localID.
func (t *Timeline) removePlaceholder(localID int64) bool {
	for i, item := range t.items {
		if item.Pending && item.ID == localID {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return true
		}
	}
	return false
}

// Apply merges a confirmed message. A pending row with the same correlation
// token is replaced in place; a seq already present is dropped. It reports
// whether the timeline changed.
func (t *Timeline) Apply(message wire.Message) bool {
	if _, ok := t.seqs[message.Seq]; ok {
		return false
	}
	t.seqs[message.Seq] = struct{}{}
	confirmed := Item{ID: message.Seq, Message: message}

	if message.ClientMessageID != "" {
		for i, item := range t.items {
			if item.Pending && item.Message.ClientMessageID == message.ClientMessageID {
				t.items[i] = confirmed
				return true
			}
		}
	}

	for i, item := range t.items {
		if item.Pending {
			continue
		}
		if item.Message.Seq < message.Seq {
			t.items = append(t.items[:i], append([]Item{confirmed}, t.items[i:]...)...)
			return true
		}
	}
	t.items = append(t.items, confirmed)
	return true
}

// AppendOlder adds a page of older messages, in any order, below the current
// rows. It returns how many were new.
func (t *Timeline) AppendOlder(messages []wire.Message) int {
	added := 0
	for _, message := range messages {
		if t.Apply(message) {
			added++
		}
	}
	return added
}
