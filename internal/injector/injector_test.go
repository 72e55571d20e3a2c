package injector

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/consensusbench/internal/batch"
	"github.com/gateway-fm/consensusbench/internal/failure"
	"github.com/gateway-fm/consensusbench/internal/node/nodetest"
	"github.com/gateway-fm/consensusbench/pkg/types"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeBatch returns n transactions whose Raw payload is the single byte i.
func fakeBatch(n int) *batch.Batch {
	b := &batch.Batch{}
	for i := 0; i < n; i++ {
		b.Txs = append(b.Txs, &batch.Transaction{Index: i, Nonce: uint64(i), Raw: []byte{byte(i)}})
	}
	return b
}

func readyEntry(t *testing.T) *nodetest.Fake {
	t.Helper()
	f := nodetest.NewCluster(1)[0]
	if err := f.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestInjectDescendingOrder(t *testing.T) {
	entry := readyEntry(t)
	var order []int
	inj := New(Config{
		Logger:   discard,
		OnSubmit: func(i int, _ time.Duration) { order = append(order, i) },
	})

	if _, err := inj.Inject(context.Background(), entry, fakeBatch(10)); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	submitted := entry.Submitted()
	if len(submitted) != 10 {
		t.Fatalf("submitted %d, want 10", len(submitted))
	}
	for k, raw := range submitted {
		if want := byte(9 - k); !bytes.Equal(raw, []byte{want}) {
			t.Errorf("submission %d carried tx %d, want %d", k, raw[0], want)
		}
	}
	for k := 1; k < len(order); k++ {
		if order[k] >= order[k-1] {
			t.Errorf("order not strictly descending: %v", order)
			break
		}
	}
}

func TestInjectMeasurementStartPrecedesLastSubmit(t *testing.T) {
	entry := readyEntry(t)
	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clockCalls int
	var submitsAtClock int

	entry.SubmitHook = func(raw []byte) error {
		if raw[0] == 0 && clockCalls != 1 {
			t.Errorf("clock read %d times before tx 0", clockCalls)
		}
		return nil
	}
	inj := New(Config{
		Logger: discard,
		Now: func() time.Time {
			clockCalls++
			submitsAtClock = len(entry.Submitted())
			return stamp
		},
	})

	start, err := inj.Inject(context.Background(), entry, fakeBatch(5))
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(stamp) {
		t.Errorf("start = %v, want %v", start, stamp)
	}
	if submitsAtClock != 4 {
		t.Errorf("clock read after %d submissions, want 4", submitsAtClock)
	}
}

func TestInjectAbortsAtFailingIndex(t *testing.T) {
	entry := readyEntry(t)
	entry.SubmitHook = func(raw []byte) error {
		if raw[0] == 5 {
			return errors.New("mempool full")
		}
		return nil
	}

	_, err := New(Config{Logger: discard}).Inject(context.Background(), entry, fakeBatch(10))
	var subErr *SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("error = %v, want *SubmissionError", err)
	}
	if subErr.Index != 5 {
		t.Errorf("Index = %d, want 5", subErr.Index)
	}
	if failure.KindOf(err) != types.FailureSubmission {
		t.Errorf("KindOf() = %s, want SubmissionFailure", failure.KindOf(err))
	}

	for _, raw := range entry.Submitted() {
		if raw[0] < 5 {
			t.Errorf("index %d submitted after the failure", raw[0])
		}
	}
	if got := len(entry.Submitted()); got != 4 {
		t.Errorf("accepted %d submissions, want 4 (9..6)", got)
	}
}

func TestInjectEmptyBatch(t *testing.T) {
	entry := readyEntry(t)
	if _, err := New(Config{Logger: discard}).Inject(context.Background(), entry, fakeBatch(0)); !errors.Is(err, failure.ErrSubmission) {
		t.Errorf("error = %v, want ErrSubmission", err)
	}
}

func TestInjectCancelled(t *testing.T) {
	entry := readyEntry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Config{Logger: discard}).Inject(ctx, entry, fakeBatch(3))
	if !errors.Is(err, context.Canceled) || !errors.Is(err, failure.ErrSubmission) {
		t.Errorf("error = %v, want cancelled submission", err)
	}
	if len(entry.Submitted()) != 0 {
		t.Errorf("submitted %d after cancellation", len(entry.Submitted()))
	}
}

func TestInjectRateLimited(t *testing.T) {
	entry := readyEntry(t)
	inj := New(Config{Rate: 100, Logger: discard})

	start := time.Now()
	if _, err := inj.Inject(context.Background(), entry, fakeBatch(6)); err != nil {
		t.Fatal(err)
	}
	// Burst 1 at 100/s: 5 waits of 10ms.
	if took := time.Since(start); took < 40*time.Millisecond {
		t.Errorf("6 submissions at 100/s took %s", took)
	}
	if len(entry.Submitted()) != 6 {
		t.Errorf("submitted %d, want 6", len(entry.Submitted()))
	}
}

func TestInjectLogsMeasurementStart(t *testing.T) {
	entry := readyEntry(t)
	stamp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	inj := New(Config{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
		Now:    func() time.Time { return stamp },
	})

	if _, err := inj.Inject(context.Background(), entry, fakeBatch(3)); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	out := buf.String()
	if n := strings.Count(out, "measureStart="); n != 1 {
		t.Fatalf("measureStart logged %d times, want 1:\n%s", n, out)
	}
	if !strings.Contains(out, "measureStart=2026-01-01T00:00:00.000Z") {
		t.Errorf("measureStart not logged with the clock value:\n%s", out)
	}
	if strings.Index(out, "measureStart=") > strings.Index(out, "all transactions submitted") {
		t.Error("measurement start logged after the batch completed")
	}
}
