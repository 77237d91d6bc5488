package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestLocal(t *testing.T) {
	t.Run("MutualExclusion", func(t *testing.T) {
		l := NewLocal()
		ctx := context.Background()

		var inside, maxInside atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := l.Lock(ctx, Key("tenant-001", "tx-1"))
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				release()
			}()
		}
		wg.Wait()

		if maxInside.Load() != 1 {
			t.Errorf("expected at most 1 holder, got %d", maxInside.Load())
		}
		if len(l.locks) != 0 {
			t.Errorf("expected lock table to be empty, got %d entries", len(l.locks))
		}
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		l := NewLocal()
		ctx := context.Background()

		releaseA, err := l.Lock(ctx, "a")
		if err != nil {
			t.Fatalf("Lock a failed: %v", err)
		}
		defer releaseA()

		timeout, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		releaseB, err := l.Lock(timeout, "b")
		if err != nil {
			t.Fatalf("expected b to be free, got %v", err)
		}
		releaseB()
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		l := NewLocal()
		release, _ := l.Lock(context.Background(), "held")
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := l.Lock(ctx, "held")
		if !errors.Is(err, ErrNotObtained) {
			t.Errorf("expected ErrNotObtained, got %v", err)
		}
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		l := NewLocal()
		release, _ := l.Lock(context.Background(), "k")
		release()
		release()

		again, err := l.Lock(context.Background(), "k")
		if err != nil {
			t.Fatalf("expected relock to succeed, got %v", err)
		}
		again()
	})
}

func TestNew(t *testing.T) {
	l, err := New(domain.LockConfig{Type: "local"}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := l.(*Local); !ok {
		t.Error("expected Local locker")
	}

	if _, err := New(domain.LockConfig{Type: "zookeeper"}, nil); err == nil {
		t.Error("expected error for unsupported type")
	}

	if got := Key("t1", "tx-9"); got != "harrier:case-open:t1:tx-9" {
		t.Errorf("unexpected key %q", got)
	}
}
