package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gpt-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

func newTestManager() *Manager {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewManager(log)
}

type stubCompleter struct{ name string }

func (s *stubCompleter) ChatCompletion(context.Context, []models.Message, *models.ModelParams) (string, bool) {
	return s.name, true
}

func TestSessionStartsIdle(t *testing.T) {
	m := newTestManager()

	sess := m.Session("1")
	if got := sess.State(); got != StateIdle {
		t.Errorf("fresh session state = %v, want idle", got)
	}
	if _, ok := sess.ConversationID(); ok {
		t.Error("fresh session must not have a bound conversation")
	}

	if m.Session("1") != sess {
		t.Error("expected the same session on repeat lookup")
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}

func TestDispatchRunsInOrder(t *testing.T) {
	m := newTestManager()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		m.Dispatch("1", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("event %d ran out of order: got %d", i, got)
		}
	}
}

func TestDispatchIsolatesUsers(t *testing.T) {
	m := newTestManager()

	// The first user's queue is blocked; the second user's event must still
	// run.
	release := make(chan struct{})
	m.Dispatch("slow", func() { <-release })

	done := make(chan struct{})
	m.Dispatch("fast", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event for an independent user did not run")
	}
	close(release)
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	m := newTestManager()
	m.queueSize = 1

	var dropped int
	m.OnDrop(func() { dropped++ })

	started := make(chan struct{})
	release := make(chan struct{})
	m.Dispatch("1", func() { close(started); <-release })
	<-started // the worker is now busy, the queue is empty

	m.Dispatch("1", func() {}) // fills the queue

	ran := false
	m.Dispatch("1", func() { ran = true }) // must be dropped

	close(release)
	time.Sleep(100 * time.Millisecond)

	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if ran {
		t.Error("dropped event must not run")
	}
}

func TestDispatchSurvivesPanic(t *testing.T) {
	m := newTestManager()

	m.Dispatch("1", func() { panic("boom") })

	done := make(chan struct{})
	m.Dispatch("1", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not survive a panicking handler")
	}
}

func TestClientCacheReplace(t *testing.T) {
	m := newTestManager()

	if _, ok := m.Client("1"); ok {
		t.Error("expected no client before SetClient")
	}

	first := &stubCompleter{name: "first"}
	m.SetClient("1", first)
	if c, ok := m.Client("1"); !ok || c != first {
		t.Error("expected the cached client back")
	}

	second := &stubCompleter{name: "second"}
	m.SetClient("1", second)
	if c, _ := m.Client("1"); c != second {
		t.Error("SetClient must replace the cached client")
	}
}
