package buffer

import "testing"

func TestPoolGetAllocatesWhenEmpty(t *testing.T) {
	p := New()
	buf := p.Get(16)
	if len(buf) != 16 {
		t.Fatalf("expected length 16, got %d", len(buf))
	}
	if p.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", p.Outstanding())
	}
}

func TestPoolReusesReleasedBuffer(t *testing.T) {
	p := New()
	buf := p.Get(64)
	p.Put(buf)
	if p.Pooled() != 1 {
		t.Fatalf("expected 1 pooled buffer, got %d", p.Pooled())
	}

	reused := p.Get(32)
	if p.Pooled() != 0 {
		t.Fatalf("expected reused buffer to leave the free list, got %d pooled", p.Pooled())
	}
	if len(reused) != 32 {
		t.Fatalf("expected length 32, got %d", len(reused))
	}
}

func TestPoolSkipsUndersizedBuffers(t *testing.T) {
	p := New()
	small := p.Get(4)
	p.Put(small)

	big := p.Get(128)
	if cap(big) == cap(small) {
		t.Fatalf("expected a fresh allocation for a request larger than the pooled buffer")
	}
}

func TestPoolPutNilIsNoop(t *testing.T) {
	p := New()
	p.Put(nil)
	if p.Pooled() != 0 {
		t.Fatalf("expected Put(nil) to be a no-op, got %d pooled", p.Pooled())
	}
}

func TestPoolOutstandingTracksAcquireRelease(t *testing.T) {
	p := New()
	a := p.Get(8)
	b := p.Get(8)
	if p.Outstanding() != 2 {
		t.Fatalf("expected 2 outstanding, got %d", p.Outstanding())
	}
	p.Put(a)
	if p.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", p.Outstanding())
	}
	p.Put(b)
	if p.Outstanding() != 0 {
		t.Fatalf("expected 0 outstanding, got %d", p.Outstanding())
	}
}
