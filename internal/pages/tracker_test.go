package pages

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"
)

func newTracker(t *testing.T, total int) *Tracker {
	t.Helper()
	tr, err := New(Config{DocumentID: "doc-1", TotalPages: total, ContinueOnError: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func success(text string) Outcome {
	return Outcome{Status: PageSuccess, Text: text, WordCount: Int(1)}
}

func failure(msg string) Outcome {
	return Outcome{Status: PageError, Error: msg, ErrorCode: CodeOCRFailed}
}

func TestNew(t *testing.T) {
	t.Run("rejects zero pages", func(t *testing.T) {
		_, err := New(Config{DocumentID: "empty", TotalPages: 0})
		if !errors.Is(err, ErrInvalidPageCount) {
			t.Errorf("expected ErrInvalidPageCount, got %v", err)
		}
	})

	t.Run("defaults first page to 1", func(t *testing.T) {
		tr := newTracker(t, 3)
		if tr.Config().FirstPage != 1 || tr.Config().LastPage() != 3 {
			t.Errorf("unexpected range [%d, %d]", tr.Config().FirstPage, tr.Config().LastPage())
		}
		if tr.Status() != StatusPending {
			t.Errorf("expected pending, got %s", tr.Status())
		}
	})
}

func TestTracker_StatusTransitions(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []Outcome
		want     Status
	}{
		{"no reports", nil, StatusPending},
		{"three of five", []Outcome{success("a"), failure("x"), success("c")}, StatusProcessing},
		{"all success", []Outcome{success("a"), success("b"), success("c"), success("d"), success("e")}, StatusSuccess},
		{"all error", []Outcome{failure("1"), failure("2"), failure("3"), failure("4"), failure("5")}, StatusFailed},
		{"mixed", []Outcome{success("a"), success("b"), failure("x"), success("d"), failure("y")}, StatusPartialSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTracker(t, 5)
			for i, o := range tt.outcomes {
				if err := tr.Report(i+1, o); err != nil {
					t.Fatalf("Report(%d) error = %v", i+1, err)
				}
			}
			if got := tr.Status(); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTracker_Report(t *testing.T) {
	t.Run("retry supersedes failure", func(t *testing.T) {
		tr := newTracker(t, 5)
		tr.Report(3, failure("decode failed"))
		if _, ok := tr.Errors()[3]; !ok {
			t.Fatal("expected error entry for page 3")
		}

		tr.Report(3, success("P3"))
		if !slices.Equal(tr.SuccessfulPages(), []int{3}) {
			t.Errorf("successful = %v", tr.SuccessfulPages())
		}
		if len(tr.FailedPages()) != 0 {
			t.Errorf("failed = %v, want empty", tr.FailedPages())
		}
		if _, ok := tr.Errors()[3]; ok {
			t.Error("stale error entry for page 3")
		}
	})

	t.Run("sets stay disjoint when a success is overwritten", func(t *testing.T) {
		tr := newTracker(t, 2)
		tr.Report(1, success("a"))
		tr.Report(1, Outcome{Status: PageSkipped})
		if len(tr.SuccessfulPages()) != 0 {
			t.Errorf("successful = %v", tr.SuccessfulPages())
		}
		if !slices.Equal(tr.SkippedPages(), []int{1}) {
			t.Errorf("skipped = %v", tr.SkippedPages())
		}
	})

	t.Run("error message fallback", func(t *testing.T) {
		tr := newTracker(t, 3)
		tr.Report(1, Outcome{Status: PageError, Error: "boom", ErrorCode: "X"})
		tr.Report(2, Outcome{Status: PageTimeout, ErrorCode: CodeTimeout})
		tr.Report(3, Outcome{Status: PageCorrupted})

		errs := tr.Errors()
		want := map[int]string{1: "boom", 2: CodeTimeout, 3: "Unknown error"}
		for page, msg := range want {
			if errs[page] != msg {
				t.Errorf("errors[%d] = %q, want %q", page, errs[page], msg)
			}
		}
	})

	t.Run("rejects out of range pages", func(t *testing.T) {
		tr := newTracker(t, 5)
		for _, page := range []int{0, -1, 6} {
			if err := tr.Report(page, success("x")); !errors.Is(err, ErrPageOutOfRange) {
				t.Errorf("Report(%d) error = %v, want ErrPageOutOfRange", page, err)
			}
		}
		if tr.ProcessedPages() != 0 {
			t.Errorf("processed = %d, want 0", tr.ProcessedPages())
		}
	})

	t.Run("respects first page offset", func(t *testing.T) {
		tr, err := New(Config{DocumentID: "range", TotalPages: 3, FirstPage: 2})
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Report(1, success("x")); !errors.Is(err, ErrPageOutOfRange) {
			t.Errorf("page 1 should be out of range, got %v", err)
		}
		for _, page := range []int{2, 3, 4} {
			if err := tr.Report(page, success("x")); err != nil {
				t.Errorf("Report(%d) error = %v", page, err)
			}
		}
		if tr.Status() != StatusSuccess {
			t.Errorf("status = %s, want success", tr.Status())
		}
	})

	t.Run("stamps page number on the outcome", func(t *testing.T) {
		tr := newTracker(t, 2)
		tr.Report(2, Outcome{PageNumber: 99, Status: PageSuccess, Text: "x"})
		o, ok := tr.Outcome(2)
		if !ok || o.PageNumber != 2 {
			t.Errorf("outcome = %+v, ok = %v", o, ok)
		}
	})
}

func TestTracker_OrderInvariance(t *testing.T) {
	outcomes := map[int]Outcome{
		1: {Status: PageSuccess, Text: "P1", WordCount: Int(10), Confidence: Float(0.9)},
		2: {Status: PageSuccess, Text: "P2", WordCount: Int(20), Confidence: Float(0.7)},
		3: failure("bad page"),
		4: {Status: PageSkipped},
		5: {Status: PageSuccess, Text: "P5", WordCount: Int(5)},
	}

	run := func(order []int) (*Tracker, string) {
		tr := newTracker(t, 5)
		for _, page := range order {
			tr.Report(page, outcomes[page])
		}
		tr.Combine()
		text, _ := tr.CombinedText()
		return tr, text
	}

	ref, refText := run([]int{1, 2, 3, 4, 5})
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		order := []int{1, 2, 3, 4, 5}
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })

		tr, text := run(order)
		if tr.Status() != ref.Status() {
			t.Errorf("order %v: status %s, want %s", order, tr.Status(), ref.Status())
		}
		if !slices.Equal(tr.SuccessfulPages(), ref.SuccessfulPages()) ||
			!slices.Equal(tr.FailedPages(), ref.FailedPages()) ||
			!slices.Equal(tr.SkippedPages(), ref.SkippedPages()) {
			t.Errorf("order %v: derived lists differ", order)
		}
		if text != refText {
			t.Errorf("order %v: combined text differs:\n%s\nvs\n%s", order, text, refText)
		}
	}
}

func TestTracker_ConcurrentReports(t *testing.T) {
	const total = 200
	tr := newTracker(t, total)

	var wg sync.WaitGroup
	for page := total; page >= 1; page-- {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if page%10 == 0 {
				tr.Report(page, failure(fmt.Sprintf("page %d failed", page)))
				return
			}
			tr.Report(page, success(fmt.Sprintf("text %d", page)))
		}(page)
	}
	wg.Wait()

	if tr.Status() != StatusPartialSuccess {
		t.Errorf("status = %s", tr.Status())
	}
	succ, failed := tr.SuccessfulPages(), tr.FailedPages()
	if len(succ)+len(failed) != total {
		t.Errorf("got %d + %d pages, want %d", len(succ), len(failed), total)
	}
	if !slices.IsSorted(succ) || !slices.IsSorted(failed) {
		t.Error("derived lists not sorted")
	}
}

func TestTracker_Subscribe(t *testing.T) {
	tr := newTracker(t, 3)
	events, cancel := tr.Subscribe(3)
	other, cancelOther := tr.Subscribe(1)
	defer cancelOther()

	tr.Report(2, success("b"))
	tr.Report(1, success("a"))

	first := <-events
	if first.Page != 2 || first.Status != StatusProcessing {
		t.Errorf("first event = %+v", first)
	}
	second := <-events
	if second.Page != 1 {
		t.Errorf("second event page = %d", second.Page)
	}

	// The second subscriber's buffer holds one event; the other is dropped.
	if ev := <-other; ev.Page != 2 {
		t.Errorf("other subscriber got page %d", ev.Page)
	}
	select {
	case ev := <-other:
		t.Errorf("expected dropped event, got %+v", ev)
	default:
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("expected closed channel after cancel")
	}
	// Reporting after cancel must not panic.
	tr.Report(3, success("c"))
}

func TestTracker_SubscribeWithHistory(t *testing.T) {
	tr := newTracker(t, 3)
	tr.Report(3, success("c"))
	tr.Report(1, success("a"))

	past, events, cancel := tr.SubscribeWithHistory(0)
	defer cancel()

	if len(past) != 2 || past[0].Page != 1 || past[1].Page != 3 {
		t.Fatalf("replayed events = %+v", past)
	}
	if past[1].Outcome.Text != "c" || past[1].Status != StatusProcessing {
		t.Errorf("replayed page 3 = %+v", past[1])
	}

	tr.Report(2, success("b"))
	if ev := <-events; ev.Page != 2 || ev.Status != StatusSuccess {
		t.Errorf("live event = %+v", ev)
	}
	select {
	case ev := <-events:
		t.Errorf("replayed pages must not be delivered again, got %+v", ev)
	default:
	}
}

func TestTracker_Timestamps(t *testing.T) {
	tr := newTracker(t, 1)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.MarkStarted(start)
	tr.MarkCompleted(start.Add(1500 * time.Millisecond))

	got, ok := tr.StartedAt()
	if !ok || !got.Equal(start) {
		t.Errorf("StartedAt = %v, %v", got, ok)
	}
	s := tr.Summary()
	if s.ProcessingTimeSeconds == nil || *s.ProcessingTimeSeconds != 1.5 {
		t.Errorf("processing time = %v", s.ProcessingTimeSeconds)
	}
}

func TestTracker_AttachMetadata(t *testing.T) {
	tr := newTracker(t, 2)
	if err := tr.AttachMetadata(1, Metadata{Width: 800, Height: 600}); err != nil {
		t.Fatal(err)
	}
	tr.AttachMetadata(1, Metadata{Width: 1024, Height: 768, DPI: 300})

	md, ok := tr.Metadata(1)
	if !ok || md.Width != 1024 || md.PageNumber != 1 {
		t.Errorf("metadata = %+v", md)
	}
	if tr.Status() != StatusPending {
		t.Errorf("metadata must not change status, got %s", tr.Status())
	}
	if err := tr.AttachMetadata(3, Metadata{}); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("expected ErrPageOutOfRange, got %v", err)
	}
}
