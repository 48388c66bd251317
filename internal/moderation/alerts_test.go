package moderation

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAlertList_AddAndList(t *testing.T) {
	l := NewAlertList(5, nil)

	l.Add("a1", json.RawMessage(`{"kind":"dispute"}`))
	l.Add("a2", json.RawMessage(`"flagged"`))
	l.Add("a3", nil)

	alerts := l.List()
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(alerts))
	}
	// Newest first.
	for i, want := range []string{"a3", "a2", "a1"} {
		if alerts[i].ID != want {
			t.Errorf("index %d: expected %q, got %q", i, want, alerts[i].ID)
		}
	}
	if string(alerts[2].Content) != `{"kind":"dispute"}` {
		t.Errorf("content not preserved: %s", alerts[2].Content)
	}
}

func TestAlertList_Dedup(t *testing.T) {
	l := NewAlertList(5, nil)

	if !l.Add("a1", nil) {
		t.Fatal("first Add should succeed")
	}
	if l.Add("a1", json.RawMessage(`"again"`)) {
		t.Fatal("duplicate Add should be ignored")
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 alert, got %d", l.Len())
	}
}

func TestAlertList_Wraparound(t *testing.T) {
	l := NewAlertList(5, nil)

	// Add 7 alerts; the list holds only 5.
	for i := 1; i <= 7; i++ {
		l.Add(fmt.Sprintf("a%d", i), nil)
	}

	alerts := l.List()
	if len(alerts) != 5 {
		t.Fatalf("expected 5 alerts, got %d", len(alerts))
	}
	// Should contain alerts 7 down to 3.
	for i, a := range alerts {
		want := fmt.Sprintf("a%d", 7-i)
		if a.ID != want {
			t.Errorf("index %d: expected %q, got %q", i, want, a.ID)
		}
	}

	// An evicted ID is forgotten and may be added again.
	if !l.Add("a1", nil) {
		t.Error("evicted alert should be accepted again")
	}
	if l.Add("a7", nil) {
		t.Error("retained alert should still be deduplicated")
	}
}

func TestAlertList_UnreadAndMarkAllRead(t *testing.T) {
	l := NewAlertList(3, nil)
	for i := 1; i <= 4; i++ {
		l.Add(fmt.Sprintf("a%d", i), nil)
	}
	if got := l.Unread(); got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}

	l.MarkAllRead()
	if got := l.Unread(); got != 0 {
		t.Fatalf("expected 0 unread, got %d", got)
	}

	l.Add("a5", nil)
	if got := l.Unread(); got != 1 {
		t.Errorf("expected 1 unread after new alert, got %d", got)
	}
	for _, a := range l.List()[1:] {
		if !a.Read {
			t.Errorf("alert %s should remain read", a.ID)
		}
	}
}

func TestAlertList_ReceivedAt(t *testing.T) {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	l := NewAlertList(2, func() time.Time { return at })
	l.Add("a1", nil)

	if got := l.List()[0].ReceivedAt; !got.Equal(at) {
		t.Errorf("expected ReceivedAt %v, got %v", at, got)
	}
}

func TestAlertList_EmptyList(t *testing.T) {
	l := NewAlertList(0, nil)

	if alerts := l.List(); len(alerts) != 0 {
		t.Errorf("expected empty list, got %d alerts", len(alerts))
	}
	if l.Unread() != 0 {
		t.Error("expected no unread alerts")
	}
}

func TestAlertList_ConcurrentAdd(t *testing.T) {
	l := NewAlertList(50, nil)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				l.Add(fmt.Sprintf("g%d-%d", g, i), nil)
				l.List()
			}
		}(g)
	}
	wg.Wait()

	if l.Len() != 50 {
		t.Errorf("expected list to be full (50), got %d", l.Len())
	}
}
