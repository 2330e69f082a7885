package throttle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStartsFullAndPermits(t *testing.T) {
	th := New(10, 1)
	assert.True(t, th.Permits())
	assert.Equal(t, float64(10), th.Tokens())
}

func TestFailuresDrainBelowHalfDeniesPermits(t *testing.T) {
	th := New(10, 1)
	for i := 0; i < 6; i++ {
		th.CallFailure()
	}
	assert.Equal(t, float64(4), th.Tokens())
	assert.False(t, th.Permits())
}

func TestTokensFloorAtZero(t *testing.T) {
	th := New(2, 1)
	for i := 0; i < 10; i++ {
		th.CallFailure()
	}
	assert.Equal(t, float64(0), th.Tokens())
}

func TestSuccessAccruesUpToMax(t *testing.T) {
	th := New(2, 1)
	th.CallFailure()
	th.CallFailure()
	assert.Equal(t, float64(0), th.Tokens())

	th.CallSuccess()
	assert.Equal(t, float64(1), th.Tokens())
	th.CallSuccess()
	th.CallSuccess()
	assert.Equal(t, float64(2), th.Tokens())
}

func TestSuccessDoesNotResetToFullOutright(t *testing.T) {
	th := New(10, 1)
	for i := 0; i < 8; i++ {
		th.CallFailure()
	}
	th.CallSuccess()
	assert.Equal(t, float64(3), th.Tokens())
}
