package orchestrator

import (
	"sort"
	"sync"
	"testing"
)

func TestQueue_PushDeduplicates(t *testing.T) {
	q := NewQueue()
	if !q.Push(1) || !q.Push(2) {
		t.Fatal("first pushes rejected")
	}
	if q.Push(1) {
		t.Error("duplicate accepted")
	}
	if q.Size() != 2 {
		t.Errorf("size = %d", q.Size())
	}

	q.Stop()
	if q.Push(3) {
		t.Error("push after stop accepted")
	}

	var got []int
	for {
		idx, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, idx)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("drained %v", got)
	}
}

func TestQueue_ConcurrentConsumers(t *testing.T) {
	q := NewQueue()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx, ok := q.Pop()
				if !ok {
					return
				}
				mu.Lock()
				got = append(got, idx)
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	q.Stop()
	wg.Wait()

	sort.Ints(got)
	if len(got) != 100 {
		t.Fatalf("consumed %d items", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d = %d", i, v)
		}
	}
	if q.Size() != 0 {
		t.Error("queue not drained")
	}
}
