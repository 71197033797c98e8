package cache

import (
	"io"
	"sync"

	"peercache/internal/stream"
)

// Session is a verified response being streamed to the caller: the head
// first, then the remaining parts.
type Session struct {
	head     stream.Head
	headSent bool
	rest     stream.PartReader
}

func newSession(head stream.Head, rest stream.PartReader) *Session {
	return &Session{head: head, rest: rest}
}

func (s *Session) Head() stream.Head { return s.head.Clone() }

func (s *Session) ReadPart() (stream.Part, error) {
	if !s.headSent {
		s.headSent = true
		return s.head.Clone(), nil
	}
	return s.rest.ReadPart()
}

func (s *Session) Close() error { return s.rest.Close() }

type teeItem struct {
	part stream.Part
	err  error
}

// teeParts splits a part reader in two: the returned main reader
// forwards parts to the caller while feeding a copy to the side reader.
// The side reader sees io.EOF when the main stream finishes cleanly and
// the main error otherwise. Closing the side reader detaches it without
// disturbing the main stream.
func teeParts(inner stream.PartReader) (stream.PartReader, stream.PartReader) {
	ch := make(chan teeItem, 32)
	sideDone := make(chan struct{})
	main := &teeMain{inner: inner, ch: ch, sideDone: sideDone}
	return main, &teeSide{ch: ch, done: sideDone}
}

type teeMain struct {
	inner    stream.PartReader
	ch       chan teeItem
	sideDone chan struct{}
	once     sync.Once
}

func (t *teeMain) send(item teeItem) {
	select {
	case t.ch <- item:
	case <-t.sideDone:
	}
}

func (t *teeMain) finish(err error) {
	t.once.Do(func() {
		if err != nil && err != io.EOF {
			t.send(teeItem{err: err})
		}
		close(t.ch)
	})
}

func (t *teeMain) ReadPart() (stream.Part, error) {
	p, err := t.inner.ReadPart()
	if err != nil {
		t.finish(err)
		return nil, err
	}
	t.send(teeItem{part: p})
	return p, nil
}

func (t *teeMain) Close() error {
	t.finish(io.ErrClosedPipe)
	return t.inner.Close()
}

type teeSide struct {
	ch      chan teeItem
	done    chan struct{}
	once    sync.Once
	lastErr error
}

func (t *teeSide) ReadPart() (stream.Part, error) {
	item, ok := <-t.ch
	if !ok {
		if t.lastErr != nil {
			return nil, t.lastErr
		}
		return nil, io.EOF
	}
	if item.err != nil {
		t.lastErr = item.err
		return nil, item.err
	}
	return item.part, nil
}

func (t *teeSide) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
