package footer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/KevoDB/lsmtree/pkg/sstable/block"
)

func TestFooterEncodeDecode(t *testing.T) {
	f := NewFooter(
		block.Handle{Offset: 5000, Length: 300},
		block.Handle{Offset: 5309, Length: 512},
		block.Handle{Offset: 5830, Length: 96},
	)

	encoded := f.Encode()
	if len(encoded) != FooterSize {
		t.Fatalf("Encoded footer size is %d, expected %d", len(encoded), FooterSize)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Failed to decode footer: %v", err)
	}
	if *decoded != *f {
		t.Errorf("Footer mismatch: got %+v, expected %+v", decoded, f)
	}
}

func TestFooterWriteTo(t *testing.T) {
	f := NewFooter(block.Handle{}, block.Handle{Offset: 10, Length: 20}, block.Handle{Offset: 39, Length: 5})

	var buf bytes.Buffer
	n, err := f.WriteTo(&buf)
	if err != nil {
		t.Fatalf("Failed to write footer: %v", err)
	}
	if n != FooterSize || !bytes.Equal(buf.Bytes(), f.Encode()) {
		t.Errorf("WriteTo produced %d bytes that differ from Encode", n)
	}
}

func TestFooterCorruption(t *testing.T) {
	f := NewFooter(block.Handle{Offset: 1, Length: 2}, block.Handle{Offset: 3, Length: 4}, block.Handle{Offset: 7, Length: 8})
	encoded := f.Encode()

	for i := 0; i < FooterSize; i++ {
		corrupted := append([]byte(nil), encoded...)
		corrupted[i] ^= 0x01
		if _, err := Decode(corrupted); !errors.Is(err, ErrInvalidFooter) {
			t.Errorf("flipping byte %d: expected ErrInvalidFooter, got %v", i, err)
		}
	}

	if _, err := Decode(encoded[:FooterSize-1]); !errors.Is(err, ErrInvalidFooter) {
		t.Errorf("expected error for short footer, got %v", err)
	}
}
