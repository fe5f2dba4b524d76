package rt

import (
	"testing"
	"time"
)

func TestAttachThreadDenseIDs(t *testing.T) {
	rt := newTestRuntime()
	a := rt.AttachThread("a")
	b := rt.AttachThread("b")
	c := rt.AttachThread("c")
	if a.ID() != 1 || b.ID() != 2 || c.ID() != 3 {
		t.Fatalf("ids %d %d %d, want 1 2 3", a.ID(), b.ID(), c.ID())
	}

	// Detaching recycles the smallest free id.
	rt.DetachThread(b)
	if b.State() != ThreadTerminated {
		t.Errorf("detached thread state %v", b.State())
	}
	d := rt.AttachThread("d")
	if d.ID() != 2 {
		t.Errorf("recycled id %d, want 2", d.ID())
	}
	if rt.ThreadByID(2) != d || rt.ThreadByID(99) != nil {
		t.Error("id lookup broken")
	}
	if len(rt.Threads()) != 3 {
		t.Errorf("%d registered threads", len(rt.Threads()))
	}
}

func TestDetachThreadPanicsHoldingMonitor(t *testing.T) {
	rt := newTestRuntime()
	self := rt.AttachThread("main")
	obj := newTestObject(rt)
	rt.MonitorEnter(self, obj)
	defer rt.MonitorExit(self, obj)

	defer func() {
		if recover() == nil {
			t.Error("detach while holding a monitor did not panic")
		}
	}()
	rt.DetachThread(self)
}

func TestInterruptFlag(t *testing.T) {
	rt := newTestRuntime()
	self := rt.AttachThread("main")

	if self.IsInterrupted() {
		t.Fatal("fresh thread interrupted")
	}
	self.Interrupt()
	if !self.IsInterrupted() {
		t.Fatal("interrupt not recorded")
	}
	// IsInterrupted does not clear.
	if !self.IsInterrupted() {
		t.Fatal("flag cleared by a read")
	}
	if !self.ClearInterrupted() {
		t.Fatal("test-and-clear missed the flag")
	}
	if self.IsInterrupted() || self.ClearInterrupted() {
		t.Error("flag survived clearing")
	}
}

func TestSuspendResumeAll(t *testing.T) {
	rt := newTestRuntime()
	self := rt.AttachThread("main")

	var progress int64
	stop := make(chan struct{})
	running := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker := rt.AttachThread("worker")
		defer rt.DetachThread(worker)
		close(running)
		for {
			select {
			case <-stop:
				return
			default:
			}
			worker.CheckSafepoint()
			rt.suspendMu.Lock()
			progress++
			rt.suspendMu.Unlock()
		}
	}()
	<-running

	rt.SuspendAll(self)
	rt.suspendMu.Lock()
	before := progress
	rt.suspendMu.Unlock()
	time.Sleep(20 * time.Millisecond)
	rt.suspendMu.Lock()
	after := progress
	rt.suspendMu.Unlock()
	// The loop increments under suspendMu, so at most one increment can race
	// the suspension.
	if after > before+1 {
		t.Errorf("worker advanced %d steps while suspended", after-before)
	}
	rt.ResumeAll(self)

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not resume")
	}
}

func TestRequestSuspendTargeted(t *testing.T) {
	rt := newTestRuntime()
	self := rt.AttachThread("main")

	stop := make(chan struct{})
	done := make(chan struct{})
	workerCh := make(chan *Thread, 1)
	go func() {
		defer close(done)
		worker := rt.AttachThread("worker")
		defer rt.DetachThread(worker)
		workerCh <- worker
		for {
			select {
			case <-stop:
				return
			default:
				worker.CheckSafepoint()
			}
		}
	}()
	worker := <-workerCh

	rt.requestSuspend(self, worker)
	rt.suspendMu.Lock()
	atSafepoint := worker.atSafepoint
	selfFlagged := self.atSafepoint
	rt.suspendMu.Unlock()
	if !atSafepoint {
		t.Error("target not at safepoint after requestSuspend")
	}
	if !selfFlagged {
		t.Error("requester not flagged as at a safepoint during the request")
	}
	rt.resume(self, worker)
	rt.suspendMu.Lock()
	selfFlagged = self.atSafepoint
	rt.suspendMu.Unlock()
	if selfFlagged {
		t.Error("requester still flagged after resume")
	}

	close(stop)
	<-done
}

func TestResumeWithoutSuspendPanics(t *testing.T) {
	rt := newTestRuntime()
	self := rt.AttachThread("main")
	other := rt.AttachThread("other")
	defer func() {
		if recover() == nil {
			t.Error("resume of a non-suspended thread did not panic")
		}
	}()
	rt.resume(self, other)
}
