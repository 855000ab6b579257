package llm

// modelPrice holds USD-per-million-token rates for one model.
type modelPrice struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// priceTable is the static per-model price list. Models missing from the
// table cost zero rather than failing the call; accounting is best-effort.
var priceTable = map[string]modelPrice{
	"claude-opus-4-20250514":     {inputPerMTok: 15.00, outputPerMTok: 75.00},
	"claude-sonnet-4-20250514":   {inputPerMTok: 3.00, outputPerMTok: 15.00},
	"claude-3-5-haiku-20241022":  {inputPerMTok: 0.80, outputPerMTok: 4.00},
	"claude-3-haiku-20240307":    {inputPerMTok: 0.25, outputPerMTok: 1.25},
}

// EstimateCost returns the estimated USD cost for a call. When the provider
// reports exact input/output counts both are used; when only a total is known,
// pass it with a 60/40 input/output split via EstimateCostFromTotal.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p.inputPerMTok + float64(outputTokens)/1e6*p.outputPerMTok
}

// EstimateCostFromTotal estimates cost from a total token count assuming a
// 60/40 input/output split.
func EstimateCostFromTotal(model string, totalTokens int) float64 {
	in := int(float64(totalTokens) * 0.6)
	return EstimateCost(model, in, totalTokens-in)
}
