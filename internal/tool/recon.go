package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// The reconciliation tools wrap the host application's domain services.
// Each service is a black box with a fixed input/output contract; the engine
// never inspects its internals.

// MatchRequest describes one matching pass over two row sets.
type MatchRequest struct {
	SourceRows    []map[string]any `json:"source_rows"`
	TargetRows    []map[string]any `json:"target_rows"`
	SourceColumns []string         `json:"source_columns"`
	TargetColumns []string         `json:"target_columns"`
	Rules         map[string]any   `json:"rules,omitempty"`
}

// MatchResult is the matching engine's outcome.
type MatchResult struct {
	Matched    []map[string]any `json:"matched"`
	Unmatched  []map[string]any `json:"unmatched"`
	Exceptions []map[string]any `json:"exceptions"`
	Variance   float64          `json:"variance"`
}

// Matcher runs a reconciliation matching pass.
type Matcher interface {
	RunMatching(ctx context.Context, req MatchRequest) (MatchResult, error)
}

// Vendor is one vendor directory entry.
type Vendor struct {
	Name     string         `json:"name"`
	Category string         `json:"category,omitempty"`
	Aliases  []string       `json:"aliases,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VendorDirectory looks up vendors by name or alias.
type VendorDirectory interface {
	Lookup(ctx context.Context, name string) ([]Vendor, error)
}

// ResultSink persists reconciliation results produced during a run.
type ResultSink interface {
	SaveResults(ctx context.Context, executionID string, results map[string]any) error
}

// RegisterReconciliationTools wires the domain services into the registry.
// Nil services are skipped so hosts can enable a subset.
func RegisterReconciliationTools(reg *Registry, matcher Matcher, vendors VendorDirectory, sink ResultSink) {
	if matcher != nil {
		reg.Register(Definition{
			Name:        "run_matching",
			Description: "Run a reconciliation matching pass over the source and target row sets using the given column mappings and rules.",
			InputSchema: ObjectSchema(map[string]any{
				"source_rows":    ArrayProperty("Rows from the source dataset.", map[string]any{"type": "object"}),
				"target_rows":    ArrayProperty("Rows from the target dataset.", map[string]any{"type": "object"}),
				"source_columns": ArrayProperty("Source columns to match on.", map[string]any{"type": "string"}),
				"target_columns": ArrayProperty("Target columns to match on.", map[string]any{"type": "string"}),
				"rules":          map[string]any{"type": "object", "description": "Optional matching rules (tolerances, date windows)."},
			}, "source_rows", "target_rows", "source_columns", "target_columns"),
			Handler: func(ctx context.Context, input json.RawMessage, _ RunContext) (map[string]any, error) {
				var req MatchRequest
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, fmt.Errorf("decode match request: %w", err)
				}
				res, err := matcher.RunMatching(ctx, req)
				if err != nil {
					return nil, fmt.Errorf("matching engine: %w", err)
				}
				return map[string]any{
					"matched_count":   len(res.Matched),
					"unmatched_count": len(res.Unmatched),
					"exception_count": len(res.Exceptions),
					"variance":        res.Variance,
					"matched":         res.Matched,
					"unmatched":       res.Unmatched,
					"exceptions":      res.Exceptions,
				}, nil
			},
		})
	}

	if vendors != nil {
		reg.Register(Definition{
			Name:        "lookup_vendor",
			Description: "Query the vendor directory for entries matching a name or alias.",
			InputSchema: ObjectSchema(map[string]any{
				"name": StringProperty("Vendor name or alias to look up."),
			}, "name"),
			Handler: func(ctx context.Context, input json.RawMessage, _ RunContext) (map[string]any, error) {
				var req struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, fmt.Errorf("decode vendor lookup: %w", err)
				}
				found, err := vendors.Lookup(ctx, req.Name)
				if err != nil {
					return nil, fmt.Errorf("vendor directory: %w", err)
				}
				out := make([]map[string]any, 0, len(found))
				for _, v := range found {
					out = append(out, map[string]any{
						"name":     v.Name,
						"category": v.Category,
						"aliases":  v.Aliases,
					})
				}
				return map[string]any{"vendors": out, "count": len(out)}, nil
			},
		})
	}

	if sink != nil {
		reg.Register(Definition{
			Name:        "save_results",
			Description: "Persist the current reconciliation results for this execution.",
			InputSchema: ObjectSchema(map[string]any{
				"results": map[string]any{"type": "object", "description": "Result payload to persist."},
			}, "results"),
			Handler: func(ctx context.Context, input json.RawMessage, rc RunContext) (map[string]any, error) {
				var req struct {
					Results map[string]any `json:"results"`
				}
				if err := json.Unmarshal(input, &req); err != nil {
					return nil, fmt.Errorf("decode save request: %w", err)
				}
				if err := sink.SaveResults(ctx, rc.ExecutionID.String(), req.Results); err != nil {
					return nil, fmt.Errorf("result sink: %w", err)
				}
				return map[string]any{"saved": true}, nil
			},
		})
	}
}
