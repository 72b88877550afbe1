package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowMonotonic(t *testing.T) {
	a := Now()
	time.Sleep(5 * time.Millisecond)
	b := Now()
	assert.True(t, b.After(a))
	assert.True(t, a.Before(b))
}

func TestAddAndSub(t *testing.T) {
	a := Timestamp(1000)
	b := a.Add(250 * time.Millisecond)
	assert.Equal(t, Timestamp(1250), b)
	assert.Equal(t, 250*time.Millisecond, b.Sub(a))
}

func TestWraparound(t *testing.T) {
	near := Timestamp(0xFFFFFFF0)
	wrapped := near.Add(32 * time.Millisecond)
	assert.True(t, wrapped.After(near), "wrapped timestamp must still compare as later")
}

func TestMinMax(t *testing.T) {
	a, b := Timestamp(10), Timestamp(20)
	assert.Equal(t, b, Max(a, b))
	assert.Equal(t, a, Min(a, b))
}
