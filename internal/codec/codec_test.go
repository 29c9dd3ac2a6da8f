package codec

import (
	"math"
	"testing"

	"github.com/annel0/spatial-core/internal/knowledge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRecord(t *testing.T) {
	c := New(knowledge.Default())
	buf := NewBuffer(4)

	f := Fields{
		Material:  4,
		Flags:     FlagFilled | FlagVisible,
		ObjectRef: 0xDEADBEEF01,
		Growth:    0.5,
		Quantity:  12,
	}
	c.Encode(buf, 2*RecordSize, f)

	assert.Equal(t, f, Decode(buf, 2*RecordSize))
	// Соседние записи не затронуты
	assert.Equal(t, Fields{Growth: DecodeGrowth(0)}, Decode(buf, RecordSize))
	assert.Equal(t, Fields{Growth: DecodeGrowth(0)}, Decode(buf, 3*RecordSize))
}

func TestGrowthRoundTripExamples(t *testing.T) {
	cases := map[float64]float64{
		0:       0,
		0.5:     0.5,
		0.25:    0.25,
		0.75:    0.75,
		0.33333: 0.33333,
		0.66667: 0.66667,
		0.125:   0.125,
		1:       0.99998, // насыщение int16
	}
	for in, want := range cases {
		assert.Equal(t, want, DecodeGrowth(EncodeGrowth(in)), "рост %v", in)
	}
}

func TestGrowthRoundTripWithinQuantum(t *testing.T) {
	// Шаг квантования 1/65536 плюс округление до 5 знаков
	tolerance := 1.0/131072 + 0.5e-5 + 1e-12
	for i := 0; i <= 100000; i += 7 {
		v := float64(i) / 100000
		got := DecodeGrowth(EncodeGrowth(v))
		if v >= 65535.0/65536 {
			continue
		}
		require.InDelta(t, v, got, tolerance, "рост %v", v)

		// Результат не содержит больше 5 десятичных знаков
		scaled := got * 1e5
		require.InDelta(t, math.Round(scaled), scaled, 1e-6, "лишняя точность у %v", got)
	}
}

func TestGrowthGridValuesAreStable(t *testing.T) {
	for k := -32768; k <= 32767; k += 97 {
		stored := int16(k)
		decoded := DecodeGrowth(stored)
		// Повторное кодирование декодированного значения даёт тот же код (±1 из-за округления)
		again := EncodeGrowth(decoded)
		assert.InDelta(t, float64(stored), float64(again), 1, "код %d", stored)
	}
}

func TestDecodeIsTotal(t *testing.T) {
	buf := make([]byte, RecordSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	assert.NotPanics(t, func() { _ = Decode(buf, 0) })

	f := Decode(buf, 0)
	assert.Equal(t, knowledge.MaterialID(0xFFFF), f.Material)
	assert.Equal(t, uint64(math.MaxUint64), f.ObjectRef)
}

func TestFlags(t *testing.T) {
	c := New(nil)
	buf := NewBuffer(1)
	c.Encode(buf, 0, Fields{Material: 1, Flags: FlagEmpty, Growth: 0.1})

	AddFlag(buf, 0, FlagFilled|FlagVisible)
	assert.True(t, HasFlag(buf, 0, FlagFilled))
	assert.True(t, HasFlag(buf, 0, FlagVisible|FlagEmpty))

	RemoveFlag(buf, 0, FlagEmpty)
	assert.False(t, HasFlag(buf, 0, FlagEmpty))
	assert.True(t, HasFlag(buf, 0, FlagFilled))

	// Остальные поля не тронуты
	f := Decode(buf, 0)
	assert.Equal(t, knowledge.MaterialID(1), f.Material)
	assert.Equal(t, DecodeGrowth(EncodeGrowth(0.1)), f.Growth)
}

func TestObjectRef(t *testing.T) {
	buf := NewBuffer(2)
	SetObjectRef(buf, RecordSize, 77)
	assert.Equal(t, uint64(77), ObjectRef(buf, RecordSize))
	assert.Equal(t, uint64(0), ObjectRef(buf, 0))
}

func TestEncodeFailsFast(t *testing.T) {
	c := New(knowledge.Default())
	buf := NewBuffer(1)

	assert.Panics(t, func() { c.Encode(buf, 0, Fields{Growth: 1.5}) })
	assert.Panics(t, func() { c.Encode(buf, 0, Fields{Growth: math.NaN()}) })
	assert.Panics(t, func() { c.Encode(buf, 0, Fields{Material: 999}) })
	assert.Panics(t, func() { c.Encode(buf, RecordSize, Fields{}) })
	assert.Panics(t, func() { _ = Decode(buf, 3) })
}

func TestCompressRoundTrip(t *testing.T) {
	c := New(nil)
	buf := NewBuffer(512)
	for i := 0; i < 512; i += 3 {
		c.Encode(buf, i*RecordSize, Fields{Material: 2, Flags: FlagSolid, Quantity: uint16(i)})
	}

	packed := Compress(buf)
	assert.Less(t, len(packed), len(buf))

	unpacked, err := Decompress(packed)
	require.NoError(t, err)
	assert.Equal(t, buf, unpacked)

	_, err = Decompress([]byte("не zstd"))
	assert.Error(t, err)
}
