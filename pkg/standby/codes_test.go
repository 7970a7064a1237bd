package standby

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusLabelIsTotal(t *testing.T) {
	// Every code in the contract maps to exactly one defined label.
	for code := 0; code <= 18; code++ {
		label := StatusLabel(ResultCode(code))
		assert.NotEmpty(t, label)
		assert.NotEqual(t, "UNKNOWN", label, "code %d should have a defined label", code)
	}
}

func TestStatusLabelUnknownCodes(t *testing.T) {
	assert.Equal(t, "UNKNOWN", StatusLabel(ResultCode(-1)))
	assert.Equal(t, "UNKNOWN", StatusLabel(ResultCode(19)))
	assert.Equal(t, "UNKNOWN", StatusLabel(ResultCode(99)))
}

func TestIsStandBy(t *testing.T) {
	for code := 5; code <= 18; code++ {
		assert.True(t, IsStandBy(ResultCode(code)), "code %d", code)
	}

	for _, code := range []ResultCode{0, 1, 2, 3, 4, 19} {
		assert.False(t, IsStandBy(code), "code %d", code)
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeOf(CodeOK))
	assert.Equal(t, OutcomeWarning, OutcomeOf(CodeWarning))
	assert.Equal(t, OutcomeRetry, OutcomeOf(CodeRetry))
	assert.Equal(t, OutcomeCritical, OutcomeOf(CodeCriticalError))
	assert.Equal(t, OutcomeAssertion, OutcomeOf(CodeAssertionFailed))
	assert.Equal(t, OutcomeStandBy, OutcomeOf(CodeUnmappedInstrument))
	assert.Equal(t, OutcomeStandBy, OutcomeOf(CodeExtractPosModRFMissing))
	assert.Equal(t, OutcomeUnknown, OutcomeOf(ResultCode(42)))
}

func TestProblemOf(t *testing.T) {
	assert.Equal(t, ProblemDirtyPositions, ProblemOf(CodeDirtyPositions))
	assert.Equal(t, ProblemUnmappedInstrument, ProblemOf(CodeUnmappedInstrument))
	assert.Equal(t, ProblemNAVMismatch, ProblemOf(CodeNAVMismatch))
	assert.Equal(t, ProblemExtractMissing, ProblemOf(CodeExtractIPAMissing))
	assert.Equal(t, ProblemUnknown, ProblemOf(CodeOK))
}

func TestFlagFor(t *testing.T) {
	assert.Equal(t, FlagDirtyPositions, FlagFor(ProblemDirtyPositions))
	assert.Equal(t, FlagMappingProblems, FlagFor(ProblemUnmappedCurrency))
	assert.Equal(t, FlagMismatches, FlagFor(ProblemCashMismatch))
	assert.Equal(t, FlagMissingExtracts, FlagFor(ProblemExtractMissing))
	assert.Equal(t, ProcessFlag(""), FlagFor(ProblemUnknown))
}
