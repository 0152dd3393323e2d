package model

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseTargetRoundTrip(t *testing.T) {
	cases := []string{":build", "^:build", "~:build", "web:build", "#frontend:build"}
	for _, raw := range cases {
		target, err := ParseTarget(raw)
		assert.NilError(t, err)
		assert.Equal(t, target.String(), raw)
	}
}

func TestParseTargetRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "build", "web:", ":bad id", "#:build", "a b:build"} {
		_, err := ParseTarget(raw)
		assert.Assert(t, err != nil, "expected %q to be rejected", raw)
	}
}

func TestParseInputPathClassification(t *testing.T) {
	assert.Equal(t, ParseInputPath("src/index.ts").Kind, InputProjectFile)
	assert.Equal(t, ParseInputPath("src/**/*.ts").Kind, InputProjectGlob)
	assert.Equal(t, ParseInputPath("/package.json").Kind, InputWorkspaceFile)
	assert.Equal(t, ParseInputPath("/configs/*.yml").Kind, InputWorkspaceGlob)
	assert.Equal(t, ParseInputPath("$NODE_ENV").Kind, InputTokenVar)
	assert.Equal(t, ParseInputPath("@files(src)").Kind, InputTokenFunc)

	negated := ParseInputPath("!src/**/__tests__/**")
	assert.Equal(t, negated.Kind, InputProjectGlob)
	assert.Assert(t, negated.Negated)
}
