// Package budget sizes the per-iteration prompt context for the reasoning loop.
//
// The loop's worst-case cost is bounded by shrinking allowances as iterations
// accumulate: later iterations see fewer data rows, fewer memories, and less
// history, keeping every prompt under a fixed token ceiling.
package budget

import "encoding/json"

// CompressionLevel selects how much row detail the prompt carries.
type CompressionLevel string

const (
	CompressionFull      CompressionLevel = "full"      // All rows, full detail.
	CompressionUnmatched CompressionLevel = "unmatched" // Unmatched rows only.
	CompressionCurrent   CompressionLevel = "current"   // Current item only.
)

// Budget holds the context allowances for one iteration.
type Budget struct {
	MaxRows          int
	CompressionLevel CompressionLevel
	MaxMemories      int
	MaxHistorySteps  int
}

// DataBudget returns the allowances for a 1-based iteration number over a
// dataset of totalRows rows. Allowances are non-increasing across the
// 1-3 / 4-7 / 8-10 bands, and MaxRows never exceeds totalRows.
func DataBudget(iteration, totalRows int) Budget {
	var b Budget
	switch {
	case iteration <= 3:
		b = Budget{MaxRows: 200, CompressionLevel: CompressionFull, MaxMemories: 20, MaxHistorySteps: 10}
	case iteration <= 7:
		b = Budget{MaxRows: 100, CompressionLevel: CompressionUnmatched, MaxMemories: 15, MaxHistorySteps: 5}
	default:
		b = Budget{MaxRows: 30, CompressionLevel: CompressionCurrent, MaxMemories: 10, MaxHistorySteps: 3}
	}
	if totalRows < b.MaxRows {
		b.MaxRows = totalRows
	}
	return b
}

// EstimateTokens approximates the token count of a string at ~4 characters
// per token. Good enough for budget fitting; exact counts come back from the
// provider after the call.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// FitRows greedily adds whole serialized rows until the next row would
// exceed the token ceiling, then stops. Partial rows are never included.
func FitRows(rows []json.RawMessage, tokenCeiling int) []json.RawMessage {
	var fitted []json.RawMessage
	used := 0
	for _, row := range rows {
		cost := EstimateTokens(string(row))
		if used+cost > tokenCeiling {
			break
		}
		fitted = append(fitted, row)
		used += cost
	}
	return fitted
}
