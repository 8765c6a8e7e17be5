package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFIFO_OrderAndDrain(t *testing.T) {
	f := New[int]()
	for i := 0; i < 100; i++ {
		f.Push(i)
	}
	if v, ok := f.Pop(); !ok || v != 0 {
		t.Fatalf("Pop=%d,%v", v, ok)
	}
	got := f.Drain()
	if len(got) != 99 || got[0] != 1 || got[98] != 99 {
		t.Fatalf("drain len=%d first=%d", len(got), got[0])
	}
	if f.Len() != 0 || f.Drain() != nil {
		t.Fatalf("queue not empty after drain")
	}
	if _, ok := f.Pop(); ok {
		t.Fatalf("pop on empty queue")
	}
}

func TestFIFO_NextBlocksUntilPush(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	var err error
	go func() {
		defer wg.Done()
		got, err = f.Next(ctx)
	}()
	time.Sleep(10 * time.Millisecond)
	f.Push("tile")
	wg.Wait()
	if err != nil || got != "tile" {
		t.Fatalf("Next=%q err=%v", got, err)
	}
}

func TestFIFO_NextHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
}

func TestFIFO_ConcurrentProducers(t *testing.T) {
	f := New[int]()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				f.Push(i)
			}
		}()
	}
	wg.Wait()
	if f.Len() != 2000 {
		t.Fatalf("len=%d", f.Len())
	}
}
