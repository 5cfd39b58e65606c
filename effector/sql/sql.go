// Package sql implements the db_query effect against a relational
// store via sqlx, with lib/pq as the driver for a real deployment.
package sql

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
)

// Effector runs db_query effects against a *sqlx.DB. Rows are returned
// as []map[string]any under Result.Value, matching the effect's
// declarative, driver-agnostic contract.
type Effector struct {
	db *sqlx.DB
}

// New wraps an already-open sqlx handle (driver "postgres" via lib/pq
// in production, sqlmock in tests).
func New(db *sqlx.DB) *Effector {
	return &Effector{db: db}
}

func (e *Effector) Do(ctx context.Context, eff decision.Effect) (coordinator.Result, error) {
	if eff.Kind != decision.EffectDBQuery {
		return coordinator.Result{}, errdomain.Internal("sql", string(eff.Kind), errUnsupportedKind(eff.Kind))
	}

	args := bindParams(eff.Params)
	rows, err := e.db.QueryxContext(ctx, eff.SQL, args...)
	if err != nil {
		return coordinator.Result{}, errdomain.UpstreamUnavailable("sql", eff.SQL, err)
	}
	defer rows.Close()

	var results []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return coordinator.Result{}, errdomain.Internal("sql", eff.SQL, err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return coordinator.Result{}, errdomain.UpstreamUnavailable("sql", eff.SQL, err)
	}
	return coordinator.Result{Value: results}, nil
}

// bindParams converts the closed-set SQLParam union to driver values.
func bindParams(params []decision.SQLParam) []any {
	args := make([]any, len(params))
	for i, p := range params {
		switch {
		case p.Null:
			args[i] = nil
		case p.IsInt:
			args[i] = p.Int64
		case p.IsFlt:
			args[i] = p.Float
		case p.IsBool:
			args[i] = p.Bool
		case p.IsText:
			args[i] = p.Text
		case p.IsBlob:
			args[i] = p.Blob
		default:
			args[i] = nil
		}
	}
	return args
}

type unsupportedKindError struct{ kind decision.EffectKind }

func (e *unsupportedKindError) Error() string {
	return "sql effector: unsupported kind " + string(e.kind)
}

func errUnsupportedKind(kind decision.EffectKind) error {
	return &unsupportedKindError{kind: kind}
}
