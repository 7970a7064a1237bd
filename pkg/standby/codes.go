// Package standby defines the fixed result-code contract returned by the
// pipeline stored procedures and the stand-by problem taxonomy derived
// from it. The integer codes are a wire contract owned by the database;
// everything in-process branches on the translated enumerations instead.
package standby

// ResultCode is the raw integer a stage invocation returns.
type ResultCode int

const (
	CodeOK              ResultCode = 0
	CodeWarning         ResultCode = 1 // legacy, treated as success
	CodeRetry           ResultCode = 2
	CodeCriticalError   ResultCode = 3
	CodeAssertionFailed ResultCode = 4 // a bug, not a business condition

	// Stand-by: business conditions requiring human review.
	CodeDirtyPositions      ResultCode = 5
	CodeUnmappedInstrument  ResultCode = 6
	CodeCashMismatch        ResultCode = 7
	CodeDerivativesMismatch ResultCode = 8
	CodeNAVMismatch         ResultCode = 9
	CodeUnmappedFund        ResultCode = 10
	CodeUnmappedCurrency    ResultCode = 11
	CodeUnmappedBenchmark   ResultCode = 12

	// Stand-by: extracted data missing per source system.
	CodeExtractIPAMissing         ResultCode = 13
	CodeExtractCAPMMissing        ResultCode = 14
	CodeExtractSONAMissing        ResultCode = 15
	CodeExtractPNLMissing         ResultCode = 16
	CodeExtractDerivativesMissing ResultCode = 17
	CodeExtractPosModRFMissing    ResultCode = 18
)

const (
	standByCodeMin = 5
	standByCodeMax = 18
)

// Outcome is the closed in-process interpretation of a result code.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeWarning
	OutcomeRetry
	OutcomeCritical
	OutcomeAssertion
	OutcomeStandBy
	OutcomeUnknown
)

// ProblemType names the business condition behind a stand-by code.
type ProblemType string

const (
	ProblemDirtyPositions      ProblemType = "DIRTY_POSITIONS"
	ProblemUnmappedInstrument  ProblemType = "UNMAPPED_INSTRUMENT"
	ProblemCashMismatch        ProblemType = "CASH_MISMATCH"
	ProblemDerivativesMismatch ProblemType = "DERIVATIVES_MISMATCH"
	ProblemNAVMismatch         ProblemType = "NAV_MISMATCH"
	ProblemUnmappedFund        ProblemType = "UNMAPPED_FUND"
	ProblemUnmappedCurrency    ProblemType = "UNMAPPED_CURRENCY"
	ProblemUnmappedBenchmark   ProblemType = "UNMAPPED_BENCHMARK"
	ProblemExtractMissing      ProblemType = "EXTRACT_MISSING"
	ProblemUnknown             ProblemType = "UNKNOWN"
)

var problemTypes = map[ResultCode]ProblemType{
	CodeDirtyPositions:            ProblemDirtyPositions,
	CodeUnmappedInstrument:        ProblemUnmappedInstrument,
	CodeCashMismatch:              ProblemCashMismatch,
	CodeDerivativesMismatch:       ProblemDerivativesMismatch,
	CodeNAVMismatch:               ProblemNAVMismatch,
	CodeUnmappedFund:              ProblemUnmappedFund,
	CodeUnmappedCurrency:          ProblemUnmappedCurrency,
	CodeUnmappedBenchmark:         ProblemUnmappedBenchmark,
	CodeExtractIPAMissing:         ProblemExtractMissing,
	CodeExtractCAPMMissing:        ProblemExtractMissing,
	CodeExtractSONAMissing:        ProblemExtractMissing,
	CodeExtractPNLMissing:         ProblemExtractMissing,
	CodeExtractDerivativesMissing: ProblemExtractMissing,
	CodeExtractPosModRFMissing:    ProblemExtractMissing,
}

var statusLabels = map[ResultCode]string{
	CodeOK:                        "OK",
	CodeWarning:                   "WARNING",
	CodeRetry:                     "RETRY",
	CodeCriticalError:             "ERROR",
	CodeAssertionFailed:           "ASSERTION_FAILED",
	CodeDirtyPositions:            "STANDBY_DIRTY_POSITIONS",
	CodeUnmappedInstrument:        "STANDBY_UNMAPPED_INSTRUMENT",
	CodeCashMismatch:              "STANDBY_CASH_MISMATCH",
	CodeDerivativesMismatch:       "STANDBY_DERIVATIVES_MISMATCH",
	CodeNAVMismatch:               "STANDBY_NAV_MISMATCH",
	CodeUnmappedFund:              "STANDBY_UNMAPPED_FUND",
	CodeUnmappedCurrency:          "STANDBY_UNMAPPED_CURRENCY",
	CodeUnmappedBenchmark:         "STANDBY_UNMAPPED_BENCHMARK",
	CodeExtractIPAMissing:         "STANDBY_EXTRACT_IPA",
	CodeExtractCAPMMissing:        "STANDBY_EXTRACT_CAPM",
	CodeExtractSONAMissing:        "STANDBY_EXTRACT_SONA",
	CodeExtractPNLMissing:         "STANDBY_EXTRACT_PNL",
	CodeExtractDerivativesMissing: "STANDBY_EXTRACT_DERIVATIVES",
	CodeExtractPosModRFMissing:    "STANDBY_EXTRACT_POSMODRF",
}

// IsStandBy reports whether the code pauses the fund for human review.
func IsStandBy(code ResultCode) bool {
	return code >= standByCodeMin && code <= standByCodeMax
}

// OutcomeOf translates a raw result code into the closed Outcome set.
// Unknown codes translate to OutcomeUnknown, never an error.
func OutcomeOf(code ResultCode) Outcome {
	switch {
	case code == CodeOK:
		return OutcomeOK
	case code == CodeWarning:
		return OutcomeWarning
	case code == CodeRetry:
		return OutcomeRetry
	case code == CodeCriticalError:
		return OutcomeCritical
	case code == CodeAssertionFailed:
		return OutcomeAssertion
	case IsStandBy(code):
		return OutcomeStandBy
	default:
		return OutcomeUnknown
	}
}

// ProblemOf returns the problem type for a stand-by code.
func ProblemOf(code ResultCode) ProblemType {
	if p, ok := problemTypes[code]; ok {
		return p
	}

	return ProblemUnknown
}

// StatusLabel maps any result code to a human-readable status string.
// Codes outside the contract map to "UNKNOWN".
func StatusLabel(code ResultCode) string {
	if label, ok := statusLabels[code]; ok {
		return label
	}

	return "UNKNOWN"
}

// ProcessFlag names the problem-flag column on the process row that a
// stand-by of the given type raises.
type ProcessFlag string

const (
	FlagDirtyPositions  ProcessFlag = "has_dirty_positions"
	FlagMappingProblems ProcessFlag = "has_mapping_problems"
	FlagMismatches      ProcessFlag = "has_mismatches"
	FlagMissingExtracts ProcessFlag = "has_missing_extracts"
)

var problemFlags = map[ProblemType]ProcessFlag{
	ProblemDirtyPositions:      FlagDirtyPositions,
	ProblemUnmappedInstrument:  FlagMappingProblems,
	ProblemUnmappedFund:        FlagMappingProblems,
	ProblemUnmappedCurrency:    FlagMappingProblems,
	ProblemUnmappedBenchmark:   FlagMappingProblems,
	ProblemCashMismatch:        FlagMismatches,
	ProblemDerivativesMismatch: FlagMismatches,
	ProblemNAVMismatch:         FlagMismatches,
	ProblemExtractMissing:      FlagMissingExtracts,
}

// FlagFor returns the process flag raised by a problem type, or "" when
// the type raises none.
func FlagFor(problem ProblemType) ProcessFlag {
	return problemFlags[problem]
}
