package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableReason(t *testing.T) {
	retryable := []string{
		CodeEmptyRetrieval,
		CodeScopeMismatch,
		CodeClauseMissing,
		CodeLowScore,
		CodeGraphFallbackNoMultihop,
		CodeTimeout,
		CodeUpstreamUnavailable,
		"  Empty_Retrieval  ",
	}
	for _, reason := range retryable {
		assert.True(t, IsRetryableReason(reason), "expected retryable: %q", reason)
	}

	nonRetryable := []string{
		"",
		CodeToolNotRegistered,
		CodeMissingExpression,
		CodeToolAuthError,
		"tool_error:boom",
		"something_else",
	}
	for _, reason := range nonRetryable {
		assert.False(t, IsRetryableReason(reason), "expected non-retryable: %q", reason)
	}
}

func TestMergeErrorCodes(t *testing.T) {
	merged := MergeErrorCodes(
		[]string{"scope_mismatch", "", "low_score"},
		[]string{"low_score", "clause_missing"},
		nil,
	)
	assert.Equal(t, []string{"scope_mismatch", "low_score", "clause_missing"}, merged)
}

func TestMergeErrorCodesEmpty(t *testing.T) {
	assert.Empty(t, MergeErrorCodes(nil, []string{}))
}
