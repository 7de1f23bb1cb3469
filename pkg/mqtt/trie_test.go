package mqtt

import (
	"errors"
	"testing"

	"github.com/eclipse/paho.golang/paho"
)

func noopHandler() Handler {
	return HandlerFunc(func(Message) error { return nil })
}

func set(t *testing.T, root *trie, pattern string) {
	t.Helper()
	if err := root.Set(pattern, func(node *trie) {
		node.handlers = append(node.handlers, noopHandler())
	}); err != nil {
		t.Fatalf("Set(%q): %v", pattern, err)
	}
}

func TestTrie_Match(t *testing.T) {
	root := &trie{}
	set(t, root, "twinsync/+/+/plan/+/+/+")
	set(t, root, "twinsync/acme/plant1/data/#")
	set(t, root, "exact/topic")

	tests := []struct {
		topic string
		want  bool
	}{
		{"twinsync/acme/plant1/plan/robot-fanuc/R1/alice", true},
		{"twinsync/other/gw/plan/plc-logix/PLC1/bob", true},
		{"twinsync/acme/plant1/plan/robot-fanuc/R1", false},
		{"twinsync/acme/plant1/data/robot-fanuc/R1", true},
		{"twinsync/acme/plant1/data", true},
		{"twinsync/acme/plant2/data/robot-fanuc/R1", false},
		{"exact/topic", true},
		{"exact/topic/deeper", false},
		{"exact", false},
	}
	for _, tt := range tests {
		if _, got := root.Get(tt.topic); got != tt.want {
			t.Errorf("Get(%q) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestTrie_LiteralBeatsWildcard(t *testing.T) {
	root := &trie{}
	var hit string
	add := func(pattern, name string) {
		if err := root.Set(pattern, func(node *trie) {
			node.handlers = append(node.handlers, HandlerFunc(func(Message) error {
				hit = name
				return nil
			}))
		}); err != nil {
			t.Fatalf("Set(%q): %v", pattern, err)
		}
	}
	add("a/b/c", "literal")
	add("a/+/c", "wildcard")

	handlers, ok := root.Get("a/b/c")
	if !ok || len(handlers) != 1 {
		t.Fatalf("Get = %v, %v", handlers, ok)
	}
	handlers[0].HandleMessage(Message{})
	if hit != "literal" {
		t.Errorf("matched %q, want literal branch", hit)
	}
}

func TestTrie_InvalidMultiLevel(t *testing.T) {
	root := &trie{}
	err := root.Set("a/#/b", func(*trie) {})
	if err != ErrInvalidTopicPattern {
		t.Errorf("err = %v, want ErrInvalidTopicPattern", err)
	}
}

func TestServeMux_UnmatchedTopicDropped(t *testing.T) {
	sm := NewServeMux()
	if err := sm.HandleFunc("a/b", func(Message) error { return nil }); err != nil {
		t.Fatal(err)
	}
	msg := Message{Packet: &paho.Publish{Topic: "no/such/route"}}
	if err := sm.HandleMessage(msg); err != nil {
		t.Errorf("unmatched topic must be dropped, got %v", err)
	}
}

func TestServeMux_FailingHandlerDoesNotBreakChain(t *testing.T) {
	sm := NewServeMux()
	var ran []string
	if err := sm.HandleFunc("a/b", func(Message) error {
		ran = append(ran, "bad")
		return errors.New("handler boom")
	}); err != nil {
		t.Fatal(err)
	}
	if err := sm.HandleFunc("a/b", func(Message) error {
		ran = append(ran, "good")
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	msg := Message{Packet: &paho.Publish{Topic: "a/b"}}
	if err := sm.HandleMessage(msg); err != nil {
		t.Errorf("handler error must be swallowed, got %v", err)
	}
	if len(ran) != 2 || ran[0] != "bad" || ran[1] != "good" {
		t.Errorf("ran = %v, want both handlers", ran)
	}
}
