// Command satori is a development harness: it wires the engine from the
// environment, creates an agent and an execution, and drives one reasoning
// run over a small sample dataset. Production hosts embed the satori package
// directly instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/ledgerline/satori"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("SATORI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	var (
		orgFlag   = flag.String("org", "", "organization UUID (defaults to a fresh one)")
		agentFlag = flag.String("agent", "", "existing agent UUID (defaults to creating a demo agent)")
		goal      = flag.String("goal", "Reconcile the sample bank statement against the ledger.", "goal for the run")
		dataPath  = flag.String("data", "", "path to a JSON file with dataset rows")
	)
	flag.Parse()

	eng, err := satori.New(
		satori.WithLogger(logger),
		satori.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	orgID := uuid.New()
	if *orgFlag != "" {
		if orgID, err = uuid.Parse(*orgFlag); err != nil {
			return fmt.Errorf("parse -org: %w", err)
		}
	}

	var agentID uuid.UUID
	if *agentFlag != "" {
		if agentID, err = uuid.Parse(*agentFlag); err != nil {
			return fmt.Errorf("parse -agent: %w", err)
		}
	} else {
		agentID, err = eng.CreateAgent(ctx, satori.CreateAgentInput{
			OrgID:    orgID,
			Name:     "demo-recon-agent",
			TaskType: "bank_reconciliation",
		})
		if err != nil {
			return fmt.Errorf("create agent: %w", err)
		}
		logger.Info("demo agent created", "agent_id", agentID, "org_id", orgID)
	}

	rows, err := loadRows(*dataPath)
	if err != nil {
		return err
	}

	execID, err := eng.CreateExecution(ctx, satori.CreateExecutionInput{
		OrgID:       orgID,
		AgentID:     agentID,
		Goal:        *goal,
		TriggeredBy: "cmd/satori",
	})
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	logger.Info("execution created", "execution_id", execID)

	outcome, err := eng.Run(ctx, satori.RunInput{
		OrgID:       orgID,
		ExecutionID: execID,
		Rows:        rows,
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	logger.Info("run finished",
		"status", outcome.Status,
		"steps", outcome.Steps,
		"tokens", outcome.TokensUsed,
		"cost", outcome.Cost,
		"human_message", outcome.HumanMessage,
	)
	return nil
}

// loadRows reads dataset rows from a JSON file, or returns a small built-in
// sample when no file is given.
func loadRows(path string) ([]satori.Row, error) {
	if path == "" {
		return sampleRows(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read -data: %w", err)
	}
	var data []map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode -data: %w", err)
	}
	rows := make([]satori.Row, 0, len(data))
	for _, d := range data {
		matched, _ := d["matched"].(bool)
		rows = append(rows, satori.Row{Data: d, Matched: matched})
	}
	return rows, nil
}

func sampleRows() []satori.Row {
	return []satori.Row{
		{Data: map[string]any{"id": 1, "date": "2026-03-02", "vendor": "ACME Corp", "amount": 4500.00, "description": "wire ACME 4500"}},
		{Data: map[string]any{"id": 2, "date": "2026-03-02", "vendor": "ACME Corp", "amount": 500.00, "description": "wire ACME 500"}},
		{Data: map[string]any{"id": 3, "date": "2026-03-05", "vendor": "Globex", "amount": 120.00, "description": "Globex subscription"}, Matched: true},
		{Data: map[string]any{"id": 4, "date": "2026-03-09", "vendor": "Initech", "amount": 990.10, "description": "Initech PO-4471"}},
	}
}
