package buffer

import (
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	buf := New[int](10, zap.NewNop())

	if buf.Capacity() != 10 {
		t.Errorf("Expected capacity 10, got %d", buf.Capacity())
	}
	if buf.Size() != 0 {
		t.Errorf("Expected size 0, got %d", buf.Size())
	}
	if items := buf.Drain(); items != nil {
		t.Errorf("Expected nil from empty buffer, got %v", items)
	}
}

func TestDrain_PreservesOrder(t *testing.T) {
	buf := New[string](5, zap.NewNop())
	for _, item := range []string{"a", "b", "c"} {
		buf.Add(item)
	}

	items := buf.Drain()
	if len(items) != 3 || items[0] != "a" || items[2] != "c" {
		t.Errorf("Expected [a b c], got %v", items)
	}
	if buf.Size() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", buf.Size())
	}
}

func TestAdd_Overflow(t *testing.T) {
	buf := New[int](3, zap.NewNop())
	for i := 1; i <= 5; i++ {
		buf.Add(i)
	}

	if buf.Size() != 3 {
		t.Errorf("Expected size 3, got %d", buf.Size())
	}
	if buf.Dropped() != 2 {
		t.Errorf("Expected 2 dropped, got %d", buf.Dropped())
	}

	items := buf.Drain()
	expected := []int{3, 4, 5}
	for i, v := range expected {
		if items[i] != v {
			t.Errorf("At index %d: expected %d, got %d", i, v, items[i])
		}
	}
}

func TestDrain_AfterPartialWrap(t *testing.T) {
	buf := New[int](3, zap.NewNop())
	buf.Add(1)
	buf.Add(2)
	buf.Drain()
	buf.Add(3)
	buf.Add(4)

	items := buf.Drain()
	if len(items) != 2 || items[0] != 3 || items[1] != 4 {
		t.Errorf("Expected [3 4], got %v", items)
	}
}

func TestRequeue_KeepsFailedBatchAheadOfNewerItems(t *testing.T) {
	buf := New[int](10, zap.NewNop())
	buf.Add(1)
	buf.Add(2)

	failed := buf.Drain()
	buf.Add(3)
	buf.Requeue(failed)

	items := buf.Drain()
	expected := []int{1, 2, 3}
	if len(items) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, items)
	}
	for i, v := range expected {
		if items[i] != v {
			t.Errorf("At index %d: expected %d, got %d", i, v, items[i])
		}
	}
}

func TestRequeue_DropsOldestWhenOverCapacity(t *testing.T) {
	buf := New[int](3, zap.NewNop())
	buf.Add(3)
	buf.Add(4)

	buf.Requeue([]int{1, 2})

	items := buf.Drain()
	if len(items) != 3 || items[0] != 2 || items[2] != 4 {
		t.Errorf("Expected [2 3 4], got %v", items)
	}
	if buf.Dropped() != 1 {
		t.Errorf("Expected 1 dropped, got %d", buf.Dropped())
	}
}

func TestConcurrentAccess(t *testing.T) {
	buf := New[int](100, zap.NewNop())

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				buf.Add(start + i)
			}
		}(g * 50)
	}

	total := 0
	var mu sync.Mutex
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			n := len(buf.Drain())
			mu.Lock()
			total += n
			mu.Unlock()
		}
	}()
	wg.Wait()

	total += len(buf.Drain())
	if uint64(total)+buf.Dropped() != 500 {
		t.Errorf("Expected drained plus dropped to equal 500, got %d + %d", total, buf.Dropped())
	}
}
