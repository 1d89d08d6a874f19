package vmarea

import "testing"

func TestRankTrackerPanicsOnOutOfOrderAcquire(t *testing.T) {
	rt := &RankTracker{}
	rt.Acquire(RankSharedDelete)

	defer func() {
		if recover() == nil {
			t.Errorf("Acquire(lower rank while holding a higher one) did not panic")
		}
	}()
	rt.Acquire(RankThreadInitExit)
}

func TestRankTrackerAllowsIncreasingOrderAndRelease(t *testing.T) {
	rt := &RankTracker{}
	rt.Acquire(RankThreadInitExit)
	rt.Acquire(RankSharedDelete)
	rt.Acquire(RankHostHeap)
	rt.Release()

	// After Release, a fresh acquisition at any rank is fine again.
	rt.Acquire(RankAllThreadsSynch)
}

func TestHostHeapLockBoundedRecursion(t *testing.T) {
	l := &HostHeapLock{}
	for i := 0; i < hostHeapMaxRecursion; i++ {
		l.NestedLock()
	}

	defer func() {
		if recover() == nil {
			t.Errorf("NestedLock past the recursion bound did not panic")
		}
	}()
	l.NestedLock()
}

func TestHostHeapLockUnlockPastZeroPanics(t *testing.T) {
	l := &HostHeapLock{}
	l.NestedLock()
	l.NestedUnlock()

	defer func() {
		if recover() == nil {
			t.Errorf("NestedUnlock past zero depth did not panic")
		}
	}()
	l.NestedUnlock()
}

func TestHostHeapLockRoundTrip(t *testing.T) {
	l := &HostHeapLock{}
	l.NestedLock()
	l.NestedLock()
	l.NestedLock()
	l.NestedUnlock()
	l.NestedUnlock()
	l.NestedUnlock()

	// Fully unwound: a fresh lock/unlock pair must still work.
	l.NestedLock()
	l.NestedUnlock()
}
