// Package simple includes tests for the headless budget policy.
package simple

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyEnforcesPerSessionBudget(t *testing.T) {
	t.Parallel()

	p := New(2)
	require.True(t, p.AllowHeadless("s1"))
	require.True(t, p.AllowHeadless("s1"))
	require.False(t, p.AllowHeadless("s1"))
	require.True(t, p.AllowHeadless("s2"))

	p.Forget("s1")
	require.True(t, p.AllowHeadless("s1"))
}

func TestPolicyUnlimited(t *testing.T) {
	t.Parallel()

	p := New(0)
	for range 10 {
		require.True(t, p.AllowHeadless("s1"))
	}
}
