package jobmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubmitRunsOnWorker(t *testing.T) {
	m := New()
	m.Start(2)
	defer m.Stop()

	var mu sync.Mutex
	var got any
	done := make(chan struct{})
	m.Submit(JobFunc(func(arg any) {
		mu.Lock()
		got = arg
		mu.Unlock()
		close(done)
	}), "payload")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	mu.Lock()
	assert.Equal(t, "payload", got)
	mu.Unlock()
}

func TestSubmitBeforeStartRunsSynchronously(t *testing.T) {
	m := New()
	ran := false
	m.Submit(JobFunc(func(arg any) { ran = true }), nil)
	assert.True(t, ran)
}

func TestManyJobsAllComplete(t *testing.T) {
	m := New()
	m.Start(4)
	defer m.Stop()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	var mu sync.Mutex
	count := 0
	for i := 0; i < n; i++ {
		m.Submit(JobFunc(func(arg any) {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		}), i)
	}

	doneCh := make(chan struct{})
	go func() { wg.Wait(); close(doneCh) }()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("not all jobs completed")
	}
	mu.Lock()
	assert.Equal(t, n, count)
	mu.Unlock()
}
