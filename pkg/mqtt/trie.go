package mqtt

import (
	"errors"
	"strings"
)

// ErrInvalidTopicPattern is returned when a subscription pattern puts a
// multi-level wildcard anywhere but the last segment.
var ErrInvalidTopicPattern = errors.New("mqtt: invalid topic pattern")

// trie indexes handlers by topic pattern. Literal segments branch through
// children; "+" and "#" get dedicated nodes so matching tries literals
// first, then single-level, then multi-level.
type trie struct {
	children map[string]*trie
	matchAny *trie
	matchAll *trie

	handlers []Handler
}

func (t *trie) Set(pattern string, f func(t *trie)) error {
	if len(pattern) == 0 {
		f(t)
		return nil
	}

	var first, subseq string
	if idx := strings.IndexByte(pattern, '/'); idx == -1 {
		first = pattern
	} else {
		first, subseq = pattern[:idx], pattern[idx+1:]
	}

	if t.children != nil {
		if ch, ok := t.children[first]; ok {
			return ch.Set(subseq, f)
		}
	}

	switch first {
	case "+":
		if t.matchAny == nil {
			t.matchAny = &trie{}
		}
		return t.matchAny.Set(subseq, f)
	case "#":
		if len(subseq) != 0 {
			return ErrInvalidTopicPattern
		}
		if t.matchAll == nil {
			t.matchAll = &trie{}
		}
		f(t.matchAll)
		return nil
	default:
		if t.children == nil {
			t.children = make(map[string]*trie)
		}
		ch := &trie{}
		t.children[first] = ch
		return ch.Set(subseq, f)
	}
}

func (t *trie) Get(topic string) ([]Handler, bool) {
	handlers, ok := t.match(topic)
	return handlers, ok
}

func (t *trie) match(topic string) ([]Handler, bool) {
	if len(topic) == 0 {
		return t.handlers, len(t.handlers) > 0
	}
	var first, subseq string
	if p := strings.IndexByte(topic, '/'); p == -1 {
		first = topic
	} else {
		first, subseq = topic[:p], topic[p+1:]
	}
	if t.children != nil {
		if ch, ok := t.children[first]; ok {
			if handlers, ok := ch.match(subseq); ok {
				return handlers, true
			}
		}
	}
	if t.matchAny != nil {
		if handlers, ok := t.matchAny.match(subseq); ok {
			return handlers, true
		}
	}
	if t.matchAll != nil {
		if handlers, ok := t.matchAll.match(""); ok {
			return handlers, true
		}
	}
	return nil, false
}
