package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRunnerRunsTasksInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRunner("test", nil)
	go r.Run(ctx)

	var got []int
	for i := 0; i < 50; i++ {
		r.Post(func() { got = append(got, i) })
	}
	n, err := Call(ctx, r, func() int { return len(got) })
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n != 50 {
		t.Fatalf("ran %d tasks before Call, want 50", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestRunnerTaskCanPost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRunner("test", nil)
	go r.Run(ctx)

	done := make(chan string, 1)
	r.Post(func() {
		r.Post(func() { done <- "inner" })
	})
	select {
	case v := <-done:
		if v != "inner" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestRunnerSurvivesPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRunner("test", nil)
	go r.Run(ctx)

	r.Post(func() { panic("boom") })
	v, err := Call(ctx, r, func() string { return "alive" })
	if err != nil || v != "alive" {
		t.Fatalf("Call after panic = %q, %v", v, err)
	}
}

func TestRunnerSpawnAndWait(t *testing.T) {
	r := NewRunner("test", nil)
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		r.Spawn(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	r.Wait()
	if count != 10 {
		t.Fatalf("count = %d", count)
	}
}

func TestCallAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner("test", nil)
	go r.Run(ctx)
	cancel()
	<-r.Done()

	if _, err := Call(context.Background(), r, func() int { return 1 }); err != ErrStopped {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestManualQueuesNestedPosts(t *testing.T) {
	m := NewManual()
	var got []string
	m.Post(func() {
		got = append(got, "outer-start")
		m.Post(func() { got = append(got, "inner") })
		got = append(got, "outer-end")
	})
	want := []string{"outer-start", "outer-end", "inner"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestManualHoldsBackground(t *testing.T) {
	m := NewManual()
	ran := 0
	m.Spawn(func() {
		ran++
		m.Spawn(func() { ran++ })
	})
	if ran != 0 || m.PendingBackground() != 1 {
		t.Fatalf("background ran early: ran=%d pending=%d", ran, m.PendingBackground())
	}
	if n := m.RunBackground(); n != 2 {
		t.Fatalf("RunBackground = %d, want 2", n)
	}
	if ran != 2 {
		t.Fatalf("ran = %d", ran)
	}
}
