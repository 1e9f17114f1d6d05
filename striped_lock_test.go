package polybase

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStripedLocks_DefaultCount(t *testing.T) {
	for _, n := range []int{0, -1} {
		if got := NewStripedLocks(n).count; got != 32 {
			t.Errorf("NewStripedLocks(%d).count = %d, want 32", n, got)
		}
	}
}

func TestStripedLocks_StableStripe(t *testing.T) {
	locks := NewStripedLocks(4)
	idx := locks.stripe("users/123.json")
	for i := 0; i < 3; i++ {
		if got := locks.stripe("users/123.json"); got != idx {
			t.Fatalf("stripe changed from %d to %d", idx, got)
		}
	}
	if idx >= locks.count {
		t.Errorf("stripe %d out of range", idx)
	}
}

func TestStripedLocks_ExclusiveBlocks(t *testing.T) {
	locks := NewStripedLocks(32)
	var entered atomic.Bool

	unlock := locks.Lock("doc")
	done := make(chan struct{})
	go func() {
		defer close(done)
		release := locks.Lock("doc")
		entered.Store(true)
		release()
	}()

	time.Sleep(20 * time.Millisecond)
	if entered.Load() {
		t.Fatal("second writer entered while the first held the lock")
	}
	unlock()
	<-done
	if !entered.Load() {
		t.Error("second writer never entered")
	}
}

func TestStripedLocks_ReadersShare(t *testing.T) {
	locks := NewStripedLocks(32)
	unlock := locks.RLock("doc")
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := locks.RLock("doc")
		release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader blocked behind another reader")
	}
}

func TestStripedLocks_Distribution(t *testing.T) {
	locks := NewStripedLocks(8)
	usage := map[uint32]int{}
	for i := 0; i < 1000; i++ {
		usage[locks.stripe(fmt.Sprintf("collection/%d", i))]++
	}
	if len(usage) < 6 {
		t.Errorf("only %d/8 stripes used", len(usage))
	}
	for idx, n := range usage {
		if n > 500 {
			t.Errorf("stripe %d holds %d of 1000 keys", idx, n)
		}
	}
}

func TestStripedLocks_ConcurrentKeys(t *testing.T) {
	locks := NewStripedLocks(16)
	var wg sync.WaitGroup
	counts := make([]int, 5)
	for k := range counts {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := locks.Lock(fmt.Sprintf("key-%d", k))
				counts[k]++
				unlock()
			}()
		}
	}
	wg.Wait()
	for k, n := range counts {
		if n != 50 {
			t.Errorf("key-%d counted %d, want 50", k, n)
		}
	}
}

func BenchmarkStripedLocks_Exclusive(b *testing.B) {
	locks := NewStripedLocks(32)
	for i := 0; i < b.N; i++ {
		unlock := locks.Lock("bench")
		unlock()
	}
}

func BenchmarkStripedLocks_ParallelKeys(b *testing.B) {
	locks := NewStripedLocks(32)
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			unlock := locks.Lock(fmt.Sprintf("k%d", i%100))
			unlock()
			i++
		}
	})
}
