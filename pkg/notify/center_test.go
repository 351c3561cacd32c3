package notify

import (
	"fmt"
	"testing"
	"time"

	"chatwithit/pkg/clock"
	"chatwithit/pkg/domain"
)

func newTestCenter() (*Center, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	n := 0
	c := NewCenter(clk, WithIDs(func() string {
		n++
		return fmt.Sprintf("t%d", n)
	}))
	return c, clk
}

func TestDefaultDurationRemovesAfterExactlyTenSeconds(t *testing.T) {
	c, clk := newTestCenter()
	toast := c.Error("boom", "Chat Error")
	if toast.DurationMs != 10000 {
		t.Fatalf("expected default duration 10000, got %d", toast.DurationMs)
	}
	clk.Advance(10*time.Second - time.Millisecond)
	if len(c.List()) != 1 {
		t.Fatalf("toast removed before its duration elapsed")
	}
	clk.Advance(time.Millisecond)
	if len(c.List()) != 0 {
		t.Fatalf("toast should be removed at exactly 10s")
	}
}

func TestCustomDurationAndOrder(t *testing.T) {
	c, clk := newTestCenter()
	c.Show(domain.Toast{Type: domain.ToastInfo, Message: "first", DurationMs: 3000})
	c.Show(domain.Toast{Type: domain.ToastSuccess, Message: "second", DurationMs: 1000})
	c.Warning("third", "")

	got := c.List()
	if len(got) != 3 || got[0].Message != "first" || got[2].Message != "third" {
		t.Fatalf("expected insertion order, got %+v", got)
	}
	clk.Advance(time.Second)
	got = c.List()
	if len(got) != 2 || got[0].Message != "first" || got[1].Message != "third" {
		t.Fatalf("expected second to expire first, got %+v", got)
	}
	clk.Advance(2 * time.Second)
	got = c.List()
	if len(got) != 1 || got[0].Message != "third" {
		t.Fatalf("expected only third to remain, got %+v", got)
	}
}

func TestDismissCancelsTimer(t *testing.T) {
	c, clk := newTestCenter()
	toast := c.Info("hello", "")
	if !c.Dismiss(toast.ID) {
		t.Fatalf("expected dismiss to remove toast")
	}
	if c.Dismiss(toast.ID) {
		t.Fatalf("second dismiss should be a no-op")
	}
	if clk.Pending() != 0 {
		t.Fatalf("expected timer to be cancelled, %d pending", clk.Pending())
	}
}

func TestNegativeDurationIsSticky(t *testing.T) {
	c, clk := newTestCenter()
	c.Show(domain.Toast{Message: "sticky", DurationMs: -1})
	clk.Advance(time.Hour)
	got := c.List()
	if len(got) != 1 || got[0].Type != domain.ToastInfo {
		t.Fatalf("expected sticky info toast, got %+v", got)
	}
}

func TestOnChangeAndClose(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var sizes []int
	c := NewCenter(clk, WithOnChange(func(ts []domain.Toast) { sizes = append(sizes, len(ts)) }))
	c.Success("saved", "")
	clk.Advance(DefaultDuration)
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 0 {
		t.Fatalf("unexpected change notifications: %v", sizes)
	}
	c.Info("pending", "")
	c.Close()
	if clk.Pending() != 0 || len(c.List()) != 0 {
		t.Fatalf("close should clear timers and toasts")
	}
	c.Info("late", "")
	if len(c.List()) != 0 {
		t.Fatalf("toasts after close must be dropped")
	}
}
