package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheQuantumChronicle/cap402-sub004/pkg/trust"
)

func TestProgramCacheBounded(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	node := &trust.TrustNode{AgentID: "agent-1"}
	breakdown := &trust.Breakdown{FinalScore: 50}

	for i := 0; i < maxCachedPrograms+10; i++ {
		expr := fmt.Sprintf("trust.final_score >= %d.0", i)
		_, err := e.Evaluate(expr, node, breakdown)
		require.NoError(t, err)
		assert.LessOrEqual(t, e.cachedPrograms(), maxCachedPrograms)
	}

	// The cache still works after a reset.
	ok, err := e.Evaluate("trust.final_score >= 10.0", node, breakdown)
	require.NoError(t, err)
	assert.True(t, ok)
}
