package gateway

import (
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

func TestNotifier_Enabled(t *testing.T) {
	n := NewNotifier(nil, time.Minute, "mailto:ops@example.com", "", "")
	if n.Enabled() {
		t.Error("notifier without keys reports enabled")
	}
	n = NewNotifier(nil, time.Minute, "mailto:ops@example.com", "pub", "priv")
	if !n.Enabled() {
		t.Error("notifier with keys reports disabled")
	}
}

func TestNotifier_RegisterDedupes(t *testing.T) {
	n := NewNotifier(nil, time.Minute, "", "pub", "priv")

	sub := webpush.Subscription{Endpoint: "https://push.example/a"}
	n.Register("alice", sub)
	n.Register("alice", sub)
	n.Register("alice", webpush.Subscription{Endpoint: "https://push.example/b"})

	if got := len(n.subscriptions("alice")); got != 2 {
		t.Errorf("alice has %d subscriptions, want 2", got)
	}

	n.unregister("alice", "https://push.example/a")
	subs := n.subscriptions("alice")
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example/b" {
		t.Errorf("after unregister: %+v", subs)
	}

	n.unregister("alice", "https://push.example/b")
	if got := len(n.subscriptions("alice")); got != 0 {
		t.Errorf("after removing all: %d subscriptions left", got)
	}
}
