package ndissect

import "testing"

func TestSnapStack_PushNarrowsAndPopRestores(t *testing.T) {
	buf := make([]byte, 100)
	tag := new(string)
	c := NewCursor(buf, tag)
	c.Skip(10)
	s := NewSnapStack(c)
	s.SetBottomCeiling(100)

	if err := s.PushSnapend(50); err != nil {
		t.Fatalf("PushSnapend: %v", err)
	}
	if c.End() != 50 {
		t.Fatalf("End after push = %d, want 50", c.End())
	}
	c.Skip(5)

	if err := s.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if c.End() != 100 || c.Pos() != 10 {
		t.Fatalf("after Pop, pos=%d end=%d, want pos=10 end=100", c.Pos(), c.End())
	}
}

func TestSnapStack_PushNeverRaisesEnd(t *testing.T) {
	c := NewCursor(make([]byte, 100), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(100)
	_ = s.PushSnapend(30)
	if c.End() != 30 {
		t.Fatalf("End = %d, want 30", c.End())
	}
	// pushing a "wider" end than current must not raise it back up.
	_ = s.PushSnapend(90)
	if c.End() != 30 {
		t.Fatalf("End after wider-than-current push = %d, want still 30", c.End())
	}
}

func TestSnapStack_AdjustRespectsAncestorCeiling(t *testing.T) {
	c := NewCursor(make([]byte, 100), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(100)
	_ = s.PushSnapend(40)

	if err := s.AdjustSnapend(39); err != nil {
		t.Fatalf("AdjustSnapend within ceiling: %v", err)
	}
	if c.End() != 39 {
		t.Fatalf("End = %d, want 39", c.End())
	}

	// the ancestor frame's end (100, since nothing was pushed before the
	// current frame) is the true ceiling once we pop back to depth 0.
	if err := s.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if err := s.AdjustSnapend(100); err != nil {
		t.Fatalf("AdjustSnapend at bottom to caplen: %v", err)
	}
	if err := s.AdjustSnapend(101); err == nil {
		t.Fatalf("AdjustSnapend above caplen at stack bottom must fail")
	}
}

func TestSnapStack_AdjustWithinNestedAncestor(t *testing.T) {
	c := NewCursor(make([]byte, 100), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(100)
	_ = s.PushSnapend(60) // depth 1, end=60
	_ = s.PushSnapend(50) // depth 2, end=50

	if err := s.AdjustSnapend(61); err == nil {
		t.Fatalf("AdjustSnapend must not exceed the enclosing frame's end (60)")
	}
	if err := s.AdjustSnapend(55); err != nil {
		t.Fatalf("AdjustSnapend within enclosing frame: %v", err)
	}
}

func TestSnapStack_BalanceAcrossPushPop(t *testing.T) {
	// spec.md §8 property 2: stack depth at entry == depth at exit for any
	// decoder that returns normally.
	c := NewCursor(make([]byte, 40), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(40)

	entry := s.Depth()
	_ = s.PushSnapend(30)
	_ = s.PushSnapend(20)
	_ = s.Pop()
	_ = s.Pop()
	if s.Depth() != entry {
		t.Fatalf("depth after balanced push/pop = %d, want %d", s.Depth(), entry)
	}
}

func TestSnapStack_PopAllIsSafetyNet(t *testing.T) {
	// spec.md §8 property 3 (partial): PopAll must restore to depth 0 even
	// when a decoder leaked pushes.
	c := NewCursor(make([]byte, 40), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(40)
	_ = s.PushSnapend(30)
	_ = s.PushSnapend(20)
	s.PopAll()
	if s.Depth() != 0 {
		t.Fatalf("depth after PopAll = %d, want 0", s.Depth())
	}
	if c.End() != 40 {
		t.Fatalf("End after PopAll = %d, want original caplen 40", c.End())
	}
}

func TestSnapStack_MaxDepthGuard(t *testing.T) {
	c := NewCursor(make([]byte, 1000), new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(1000)
	for i := 0; i < MaxSnapDepth; i++ {
		if err := s.PushSnapend(1000 - i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := s.PushSnapend(1); err == nil {
		t.Fatalf("push beyond MaxSnapDepth should raise Invalid")
	}
}

func TestSnapStack_PushBufferSwitchesAndRestoresBacking(t *testing.T) {
	outer := []byte{1, 2, 3, 4}
	c := NewCursor(outer, new(string))
	s := NewSnapStack(c)
	s.SetBottomCeiling(len(outer))

	inner := []byte{9, 9, 9}
	if err := s.PushBuffer(inner); err != nil {
		t.Fatalf("PushBuffer: %v", err)
	}
	if c.U8() != 9 {
		t.Fatalf("reading from switched-in buffer failed")
	}
	if err := s.Pop(); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if c.U8() != 1 {
		t.Fatalf("buffer not restored after Pop")
	}
}
