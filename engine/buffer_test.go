package engine

import (
	"testing"
)

func TestBufferPool_DefaultSize(t *testing.T) {
	bp := NewBufferPool(0)

	buf := bp.Get()
	if buf == nil {
		t.Fatalf("expected a valid buffer pointer, got nil")
	}

	if len(*buf) != DefaultBufferSize || bp.Size() != DefaultBufferSize {
		t.Errorf("expected buffer size %d, got %d", DefaultBufferSize, len(*buf))
	}

	bp.Put(buf)
}

func TestBufferPool_CustomSize(t *testing.T) {
	customSize := 8192
	bp := NewBufferPool(customSize)

	buf1 := bp.Get()
	if len(*buf1) != customSize {
		t.Errorf("expected buffer size %d, got %d", customSize, len(*buf1))
	}

	(*buf1)[0] = 42
	bp.Put(buf1)
	buf2 := bp.Get()

	if len(*buf2) != customSize {
		t.Errorf("expected reused buffer size %d, got %d", customSize, len(*buf2))
	}
	bp.Put(buf2)
}

func TestBufferPool_RejectsForeignBuffers(t *testing.T) {
	bp := NewBufferPool(16)
	short := make([]byte, 4)
	bp.Put(&short)
	bp.Put(nil)

	if buf := bp.Get(); len(*buf) != 16 {
		t.Errorf("expected pool to hand out 16 byte buffers, got %d", len(*buf))
	}
}
