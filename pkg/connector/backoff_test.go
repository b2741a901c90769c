package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Cap: 3}

	want := []time.Duration{100, 200, 400, 800, 800, 800}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.Delay(i), "attempt %d", i)
	}
	assert.Equal(t, 800*time.Millisecond, b.Max())
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 4, Jitter: 0.5, rand: func() float64 { return 0.999 }}
	hi := b.Delay(2)
	assert.GreaterOrEqual(t, hi, 4*time.Second)
	assert.Less(t, hi, 6*time.Second)

	b.rand = func() float64 { return 0 }
	assert.Equal(t, 4*time.Second, b.Delay(2))

	for i := range 10 {
		assert.LessOrEqual(t, (Backoff{Base: time.Second, Cap: 4, Jitter: 0.5}).Delay(i), b.Max())
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, 500*time.Millisecond<<6, b.Delay(100))
	assert.Equal(t, 500*time.Millisecond, b.Delay(-3))

	clamped := Backoff{Jitter: 7}.withDefaults()
	assert.Equal(t, 1.0, clamped.Jitter)
}

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateActive, false},
		{StateConnecting, StateOpen, true},
		{StateConnecting, StateActive, false},
		{StateOpen, StateActive, true},
		{StateActive, StateClosing, true},
		{StateActive, StateConnecting, false},
		{StateClosing, StateDisconnected, true},
		{StateClosing, StateActive, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, canTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.Equal(t, "state(42)", State(42).String())
}

func TestBackoffNeverShrinksPastCap(t *testing.T) {
	draws := []float64{0.9, 0.0, 0.999, 0.0, 0.5, 0.0, 0.999, 0.0, 0.1}
	i := 0
	b := Backoff{Base: 500 * time.Millisecond, Cap: 5, Jitter: 0.2, rand: func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	}}

	prev := time.Duration(0)
	for attempt := range 12 {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, b.Max(), b.Delay(5))
	assert.Equal(t, b.Max(), b.Delay(40))

	full := Backoff{Base: time.Second, Cap: 4, Jitter: 1, rand: func() float64 { return 0.999 }}
	for attempt := 1; attempt < 8; attempt++ {
		assert.GreaterOrEqual(t, full.Delay(attempt), full.Delay(attempt-1), "attempt %d", attempt)
	}
}
