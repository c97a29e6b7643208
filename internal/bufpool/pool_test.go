package bufpool

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Errorf("expected buffer length 4096, got %d", len(buf))
	}
	pool.Put(buf)

	again := pool.Get()
	if len(again) != 4096 {
		t.Errorf("expected reused buffer length 4096, got %d", len(again))
	}
	if pool.Size() != 4096 {
		t.Errorf("expected Size 4096, got %d", pool.Size())
	}
}

func TestGrabWithinAndBeyondPoolSize(t *testing.T) {
	pool := New(1024)

	small := pool.Grab(100)
	if len(small) != 100 || cap(small) != 1024 {
		t.Errorf("Grab(100): len=%d cap=%d, want len 100 cap 1024", len(small), cap(small))
	}
	pool.Put(small)

	big := pool.Grab(4096)
	if len(big) != 4096 {
		t.Errorf("Grab(4096): len=%d, want 4096", len(big))
	}
	pool.Put(big) // silently discarded, wrong capacity
}

func TestPutWrongCapacityDiscarded(t *testing.T) {
	pool := New(2048)
	pool.Put(make([]byte, 64))

	buf := pool.Get()
	if len(buf) != 2048 {
		t.Errorf("expected buffer length 2048, got %d", len(buf))
	}
}

func TestPanicOnNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", size)
				}
			}()
			New(size)
		}()
	}
}
