package reaper

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type fakeQueues struct{ calls atomic.Int32 }

func (f *fakeQueues) CleanupQueues() int {
	f.calls.Add(1)
	return 2
}

type fakeThreads struct {
	calls atomic.Int32
	err   error
}

func (f *fakeThreads) CleanupInactiveThreads(context.Context) (int, error) {
	f.calls.Add(1)
	return 3, f.err
}

func TestNew_RequiresThreads(t *testing.T) {
	if _, err := New(Opts{}); err == nil || !strings.Contains(err.Error(), "threads is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestSweepNow(t *testing.T) {
	q, th := &fakeQueues{}, &fakeThreads{}
	r, err := New(Opts{Batcher: q, Threads: th})
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if res.QueuesDropped != 2 || res.ThreadsReaped != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestSweepNow_WithoutBatcher(t *testing.T) {
	th := &fakeThreads{err: errors.New("db down")}
	r, _ := New(Opts{Threads: th})
	res, err := r.SweepNow(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("err = %v", err)
	}
	if res.QueuesDropped != 0 || res.ThreadsReaped != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestStartStop_FiresScheduledSweeps(t *testing.T) {
	q, th := &fakeQueues{}, &fakeThreads{}
	r, err := New(Opts{Batcher: q, Threads: th, QueueInterval: time.Second, ThreadInterval: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	deadline := time.Now().Add(5 * time.Second)
	for (q.calls.Load() == 0 || th.calls.Load() == 0) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	<-r.Stop().Done()

	if q.calls.Load() == 0 {
		t.Error("queue sweep never fired")
	}
	if th.calls.Load() == 0 {
		t.Error("thread sweep never fired")
	}
}
