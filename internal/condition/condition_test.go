package condition

import (
	"testing"

	"github.com/kilnci/kiln/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_RecognizedExpressions(t *testing.T) {
	assert.Equal(t, Success, Parse("success()").Kind)
	assert.Equal(t, Failure, Parse("failure()").Kind)
	assert.Equal(t, Always, Parse("always()").Kind)
	assert.Equal(t, Cancelled, Parse("cancelled()").Kind)
}

func TestParse_EmptyDefaultsToSuccess(t *testing.T) {
	assert.Equal(t, Success, Parse("").Kind)
	assert.Equal(t, Success, Parse("   ").Kind)
}

func TestParse_Unrecognized(t *testing.T) {
	for _, expr := range []string{"sucess()", "success", "always()||failure()", "true"} {
		assert.Equal(t, Unrecognized, Parse(expr).Kind, "expected %q to be unrecognized", expr)
	}
}

func TestEvaluate_SuccessIsNegationOfFailure(t *testing.T) {
	views := []RunView{
		{AnyFailed: false},
		{AnyFailed: true},
		{AnyFailed: false, Cancelled: true},
		{AnyFailed: true, Cancelled: true},
	}
	for _, view := range views {
		ok, err := Parse("success()").Evaluate(view)
		require.NoError(t, err)
		failed, err := Parse("failure()").Evaluate(view)
		require.NoError(t, err)
		assert.Equal(t, !view.AnyFailed, ok)
		assert.Equal(t, ok, !failed, "failure() must be the exact negation of success()")
	}
}

func TestEvaluate_CancellationOnlyObservableThroughCancelled(t *testing.T) {
	// success() and failure() read the failed set only; the cancelled flag
	// never changes their answer.
	ok, err := Parse("success()").Evaluate(RunView{AnyFailed: false, Cancelled: true})
	require.NoError(t, err)
	assert.True(t, ok)

	failed, err := Parse("failure()").Evaluate(RunView{AnyFailed: true, Cancelled: true})
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestEvaluate_AlwaysConstantTrue(t *testing.T) {
	for _, view := range []RunView{{}, {AnyFailed: true}, {Cancelled: true}} {
		ok, err := Parse("always()").Evaluate(view)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestEvaluate_CancelledMirrorsFlag(t *testing.T) {
	ok, err := Parse("cancelled()").Evaluate(RunView{Cancelled: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Parse("cancelled()").Evaluate(RunView{Cancelled: false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluate_UnrecognizedReturnsConditionError(t *testing.T) {
	_, err := Parse("whenever()").Evaluate(RunView{})
	require.Error(t, err)

	kerr, ok := err.(*schema.KilnError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCondition, kerr.Code)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("success()"))
	assert.True(t, Valid(""))
	assert.False(t, Valid("not-a-condition"))
}
