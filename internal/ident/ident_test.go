// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Unique(t *testing.T) {
	id1 := New()
	id2 := New()

	assert.NotEqual(t, id1, id2)
	assert.LessOrEqual(t, id1.String(), id2.String(), "monotonic entropy keeps ids ordered")
}

func TestParse_RoundTrip(t *testing.T) {
	original := New()
	parsed, err := Parse(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse("not-a-ulid")
	assert.Error(t, err)
}
