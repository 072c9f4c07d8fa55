package ml

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFromDataShapeMismatch(t *testing.T) {
	_, err := FromData([]float32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCombine(t *testing.T) {
	a, _ := FromData([]float32{1, 2, 3, 4}, 2, 2)
	b, _ := FromData([]float32{4, 3, 2, 1}, 2, 2)

	out, err := Combine(Term{2, a}, Term{-1, b}, Term{0, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, out.Shape())
	assert.InDeltaSlice(t, []float32{-2, 1, 4, 7}, out.Data(), 1e-6)

	_, err = Combine(Term{1, a}, Term{1, Zeros(4)})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCombineSkipsZeroCoefficient(t *testing.T) {
	a, _ := FromData([]float32{1, 2}, 2)
	inf, _ := FromData([]float32{float32(math.Inf(1)), 1}, 2)

	out, err := Combine(Term{1, a}, Term{0, inf})
	require.NoError(t, err)
	assert.False(t, out.HasNonFinite())
}

func TestStackUnstack(t *testing.T) {
	a, _ := FromData([]float32{1, 2, 3}, 3)
	b, _ := FromData([]float32{4, 5, 6}, 3)

	s, err := Stack([]*Tensor{a, b})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, s.Shape())

	parts := Unstack(s)
	require.Len(t, parts, 2)
	assert.Equal(t, a.Data(), parts[0].Data())
	assert.Equal(t, b.Data(), parts[1].Data())
}

func TestMSE(t *testing.T) {
	a, _ := FromData([]float32{1, 2, 3, 4}, 4)
	b, _ := FromData([]float32{1, 0, 3, 0}, 4)

	loss, err := MSE(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, loss, 1e-6)
}

func TestCastRounds(t *testing.T) {
	a, _ := FromData([]float32{1.0009765625, 3.14159265}, 2)

	f16 := a.Cast(DTypeF16)
	assert.InDelta(t, 1.0009765625, f16.Data()[0], 1e-7)
	assert.InDelta(t, 3.140625, f16.Data()[1], 1e-6)

	bf16 := a.Cast(DTypeBF16)
	assert.InDelta(t, 1.0, bf16.Data()[0], 1e-7)
	assert.InDelta(t, 3.140625, bf16.Data()[1], 1e-6)

	assert.Equal(t, a.Data(), a.Cast(DTypeF32).Data())
}

func TestParseDType(t *testing.T) {
	cases := map[string]DType{"bf16": DTypeBF16, "float16": DTypeF16, "": DTypeF32}
	for in, want := range cases {
		got, err := ParseDType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseDType("int8")
	assert.Error(t, err)
}

func TestGeneratorDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.Uint64().Draw(rt, "seed")
		n := rapid.IntRange(1, 64).Draw(rt, "n")

		a := NewGenerator(seed).Normal(n)
		b := NewGenerator(seed).Normal(n)
		if !AllClose(a, b, 0, 0) {
			rt.Fatalf("seed %d produced different noise", seed)
		}
	})
}

func TestCBORRoundTrip(t *testing.T) {
	a := NewGenerator(7).Normal(2, 3, 4)

	var buf bytes.Buffer
	require.NoError(t, WriteTensors(&buf, map[string]*Tensor{"latent": a}))

	got, err := ReadTensors(&buf)
	require.NoError(t, err)
	require.Contains(t, got, "latent")
	assert.Equal(t, a.Shape(), got["latent"].Shape())
	assert.Equal(t, a.Data(), got["latent"].Data())
}

type fakeModule struct {
	moves []Residency
	err   error
}

func (f *fakeModule) MoveTo(_ context.Context, r Residency) error {
	if f.err != nil {
		return f.err
	}
	f.moves = append(f.moves, r)
	return nil
}

func TestPlacementRelocate(t *testing.T) {
	p := NewPlacement()
	m := &fakeModule{}

	var seen []Transition
	p.Observe(func(tr Transition) { seen = append(seen, tr) })

	ctx := context.Background()
	for _, target := range []Residency{Device, Device, Host} {
		got, err := p.Relocate(ctx, "dit", m, target)
		require.NoError(t, err)
		assert.Equal(t, target, got)
	}

	assert.Equal(t, []Residency{Device, Host}, m.moves)
	assert.Equal(t, []Transition{{"dit", Host, Device}, {"dit", Device, Host}}, seen)
	assert.Equal(t, Host, p.Residency("dit"))
}

func TestPlacementRelocateError(t *testing.T) {
	p := NewPlacement()
	m := &fakeModule{err: ErrNoMem{Module: "dit", Required: 1 << 30}}

	got, err := p.Relocate(context.Background(), "dit", m, Device)
	var noMem ErrNoMem
	require.True(t, errors.As(err, &noMem))
	assert.Equal(t, Host, got)
	assert.Equal(t, Host, p.Residency("dit"))
}
