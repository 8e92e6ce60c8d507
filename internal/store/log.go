package store

import (
	"slices"
	"sort"
)

// convLog holds one conversation's messages sorted by (Timestamp, ID) with
// an id index for deduplication.
type convLog struct {
	msgs      []Message
	ids       map[int64]struct{}
	malformed int
}

func newConvLog() *convLog {
	return &convLog{ids: make(map[int64]struct{})}
}

// insert adds the given messages, which must already be validated, sorted and
// free of known ids. Only the tail from the first insertion point is rewritten.
func (l *convLog) insert(batch []Message) {
	if len(batch) == 0 {
		return
	}
	for _, m := range batch {
		l.ids[m.ID] = struct{}{}
	}

	n := len(l.msgs)
	if n == 0 || l.msgs[n-1].Cursor().Compare(batch[0].Cursor()) < 0 {
		l.msgs = append(l.msgs, batch...)
		return
	}

	first := batch[0].Cursor()
	p := sort.Search(n, func(i int) bool {
		return l.msgs[i].Cursor().Compare(first) > 0
	})

	tail := slices.Clone(l.msgs[p:])
	l.msgs = l.msgs[:p]
	i, j := 0, 0
	for i < len(tail) && j < len(batch) {
		if tail[i].Cursor().Compare(batch[j].Cursor()) <= 0 {
			l.msgs = append(l.msgs, tail[i])
			i++
		} else {
			l.msgs = append(l.msgs, batch[j])
			j++
		}
	}
	l.msgs = append(l.msgs, tail[i:]...)
	l.msgs = append(l.msgs, batch[j:]...)
}

func (l *convLog) latest() *Message {
	if len(l.msgs) == 0 {
		return nil
	}
	m := l.msgs[len(l.msgs)-1]
	return &m
}
