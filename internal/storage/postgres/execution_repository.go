package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderflow/internal/domain"
)

// ExecutionRepository хранит запуски воркфлоу в workflow_executions.
type ExecutionRepository struct {
	store *Store
}

var _ domain.ExecutionStore = (*ExecutionRepository)(nil)

func NewExecutionRepository(store *Store) *ExecutionRepository {
	return &ExecutionRepository{store: store}
}

// Begin вставляет запуск или перехватывает завершённый/брошенный.
// Если активный запуск моложе staleBefore, строка не обновляется и возвращается ErrExecutionActive.
func (r *ExecutionRepository) Begin(ctx context.Context, execution *domain.Execution, staleBefore time.Time) error {
	outputs, history, err := marshalExecution(*execution)
	if err != nil {
		return err
	}

	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var attempt int
	err = r.store.db.QueryRowContext(ctx, `
		INSERT INTO workflow_executions (
			id, order_id, attempt, state, outcome, failure_reason, error, outputs, history, started_at, finished_at
		) VALUES ($1, $2, 1, $3, $4, '', '', $5, $6, $7, NULL)
		ON CONFLICT (id) DO UPDATE SET
			attempt = workflow_executions.attempt + 1,
			state = EXCLUDED.state,
			outcome = EXCLUDED.outcome,
			failure_reason = '',
			error = '',
			outputs = EXCLUDED.outputs,
			history = EXCLUDED.history,
			started_at = EXCLUDED.started_at,
			finished_at = NULL
		WHERE workflow_executions.outcome <> $4 OR workflow_executions.started_at < $8
		RETURNING attempt
	`,
		execution.ID, execution.OrderID, string(execution.State), string(domain.OutcomeRunning),
		outputs, history, execution.StartedAt, staleBefore,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrExecutionActive
	}
	if err != nil {
		return storageError("begin execution", err)
	}

	execution.Attempt = attempt
	return nil
}

// Archive сохраняет итог запуска.
func (r *ExecutionRepository) Archive(ctx context.Context, execution domain.Execution) error {
	outputs, history, err := marshalExecution(execution)
	if err != nil {
		return err
	}

	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var finishedAt sql.NullTime
	if !execution.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: execution.FinishedAt, Valid: true}
	}

	result, err := r.store.db.ExecContext(ctx, `
		UPDATE workflow_executions SET
			state = $2,
			outcome = $3,
			failure_reason = $4,
			error = $5,
			outputs = $6,
			history = $7,
			finished_at = $8
		WHERE id = $1
	`,
		execution.ID, string(execution.State), string(execution.Outcome), string(execution.FailureReason),
		execution.Error, outputs, history, finishedAt,
	)
	if err != nil {
		return storageError("archive execution", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return domain.ErrExecutionNotFound
	}
	return nil
}

// Get возвращает запуск или ErrExecutionNotFound.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (domain.Execution, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var (
		execution              domain.Execution
		state, outcome, reason string
		outputs, history       []byte
		finishedAt             sql.NullTime
	)
	err := r.store.db.QueryRowContext(ctx, `
		SELECT id, order_id, attempt, state, outcome, failure_reason, error, outputs, history, started_at, finished_at
		FROM workflow_executions
		WHERE id = $1
	`, id).Scan(
		&execution.ID, &execution.OrderID, &execution.Attempt, &state, &outcome, &reason,
		&execution.Error, &outputs, &history, &execution.StartedAt, &finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.ErrExecutionNotFound
	}
	if err != nil {
		return domain.Execution{}, storageError("select execution", err)
	}

	execution.State = domain.WorkflowState(state)
	execution.Outcome = domain.ExecutionOutcome(outcome)
	execution.FailureReason = domain.FailureReason(reason)
	if finishedAt.Valid {
		execution.FinishedAt = finishedAt.Time
	}
	if err := json.Unmarshal(outputs, &execution.Outputs); err != nil {
		return domain.Execution{}, fmt.Errorf("decode execution outputs: %w", err)
	}
	if err := json.Unmarshal(history, &execution.History); err != nil {
		return domain.Execution{}, fmt.Errorf("decode execution history: %w", err)
	}
	return execution, nil
}

func marshalExecution(execution domain.Execution) ([]byte, []byte, error) {
	outputs := execution.Outputs
	if outputs == nil {
		outputs = domain.ResultDocument{}
	}
	rawOutputs, err := json.Marshal(outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal execution outputs: %w", err)
	}
	history := execution.History
	if history == nil {
		history = []domain.StateTransition{}
	}
	rawHistory, err := json.Marshal(history)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal execution history: %w", err)
	}
	return rawOutputs, rawHistory, nil
}
