package bloom

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterNoFalseNegatives(t *testing.T) {
	b := NewBuilder(10)
	for i := 0; i < 10000; i++ {
		b.AddKey([]byte(fmt.Sprintf("key-%d", i)))
	}
	f, err := Decode(b.AppendFilter(nil))
	require.NoError(t, err)

	for i := 0; i < 10000; i++ {
		require.True(t, f.MayContain([]byte(fmt.Sprintf("key-%d", i))), "false negative for key-%d", i)
	}
}

func TestFilterFalsePositiveRate(t *testing.T) {
	b := NewBuilder(10)
	for i := 0; i < 10000; i++ {
		b.AddKey([]byte(fmt.Sprintf("key-%d", i)))
	}
	f, err := Decode(b.AppendFilter(nil))
	require.NoError(t, err)

	fp := 0
	for i := 0; i < 10000; i++ {
		if f.MayContain([]byte(fmt.Sprintf("other-%d", i))) {
			fp++
		}
	}
	// ~1% expected at 10 bits per key
	assert.Less(t, fp, 300, "false positive rate too high: %d/10000", fp)
}

func TestFilterDisabled(t *testing.T) {
	b := NewBuilder(0)
	b.AddKey([]byte("a"))
	assert.Equal(t, 0, b.Len())
	data := b.AppendFilter(nil)
	assert.Empty(t, data)

	f, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, f.MayContain([]byte("anything")))
	assert.Equal(t, 0, f.Size())
}

func TestFilterAppendsToPrefix(t *testing.T) {
	b := NewBuilder(8)
	b.AddKey([]byte("x"))
	out := b.AppendFilter([]byte("prefix"))
	assert.Equal(t, "prefix", string(out[:6]))

	f, err := Decode(out[6:])
	require.NoError(t, err)
	assert.True(t, f.MayContain([]byte("x")))
	assert.Equal(t, len(out)-6, f.Size())

	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = Decode([]byte{0x00, 0x00, 0xff})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}
