package errs

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap(KindCache, "web#build", cause)
	assert.Assert(t, errors.Is(wrapped, cause))
}

func TestIsMatchesKind(t *testing.T) {
	err := New(KindGraph, "web", "cycle detected")
	assert.Assert(t, Is(err, KindGraph))
	assert.Assert(t, !Is(err, KindCache))
}

func TestPolicyByKind(t *testing.T) {
	assert.Equal(t, KindConfig.Policy(), PolicyFailFast)
	assert.Equal(t, KindCache.Policy(), PolicyLogAndProceed)
	assert.Equal(t, KindRemoteCache.Policy(), PolicyLogAndProceed)
	assert.Equal(t, KindProcess.Policy(), PolicyFailTask)
	assert.Equal(t, KindTimeout.Policy(), PolicyFailTask)
}
