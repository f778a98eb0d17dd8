package optimization

import "testing"

func TestBufferPool_ReusesAfterRelease(t *testing.T) {
	bp := NewBufferPool([]int{1024})

	buf1 := bp.Get(512)
	ptr1 := &buf1.data[0]
	buf1.Release()

	buf2 := bp.Get(512)
	if &buf2.data[0] != ptr1 {
		t.Skip("pool reuse is best-effort under sync.Pool's GC-driven eviction")
	}
}

func TestBufferPool_FallsBackForOversizeRequest(t *testing.T) {
	bp := NewBufferPool([]int{1024})
	buf := bp.Get(4096)
	if buf.Len() != 4096 {
		t.Fatalf("expected buffer of length 4096, got %d", buf.Len())
	}
}

func TestAssemblingWriter_FlattensInOrder(t *testing.T) {
	w := NewAssemblingWriter()
	w.Write([]byte("abc"))
	w.Write([]byte("def"))

	if got := string(w.Bytes()); got != "abcdef" {
		t.Fatalf("expected 'abcdef', got %q", got)
	}
	if w.Len() != 6 {
		t.Fatalf("expected length 6, got %d", w.Len())
	}
}
