package intercept

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetHookRoundTrips(t *testing.T) {
	t.Cleanup(func() { SetHook(nil) })

	assert.Nil(t, currentHook())

	var called bool
	h := func(num int64, a0, a1, a2, a3, a4, a5 uint64) (int64, bool) {
		called = true
		return 0, true
	}
	SetHook(h)

	got := currentHook()
	assert.NotNil(t, got)
	_, _ = got(1, 0, 0, 0, 0, 0, 0)
	assert.True(t, called)

	SetHook(nil)
	assert.Nil(t, currentHook())
}

func TestSetCloneChildHookRoundTrips(t *testing.T) {
	t.Cleanup(func() { SetCloneChildHook(nil) })

	assert.Nil(t, currentChildHook())

	var called bool
	SetCloneChildHook(func() { called = true })

	got := currentChildHook()
	assert.NotNil(t, got)
	got()
	assert.True(t, called)

	SetCloneChildHook(nil)
	assert.Nil(t, currentChildHook())
}

func TestSetCloneParentHookRoundTrips(t *testing.T) {
	t.Cleanup(func() { SetCloneParentHook(nil) })

	assert.Nil(t, currentParentHook())

	var gotTID int64
	SetCloneParentHook(func(tid int64) { gotTID = tid })

	got := currentParentHook()
	assert.NotNil(t, got)
	got(42)
	assert.Equal(t, int64(42), gotTID)

	SetCloneParentHook(nil)
	assert.Nil(t, currentParentHook())
}
