package pipeline

import (
	"context"

	"github.com/stepflow/engine/engine/coordinator"
	"github.com/stepflow/engine/engine/decision"
	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/reqctx"
	"github.com/stepflow/engine/engine/router"
	"github.com/stepflow/engine/engine/view"
)

// Interpreter runs one route's compiled step sequence against a request
// context, delegating effect dispatch to a Coordinator. Its state
// machine is Running(i) (execute step i next), AwaitingEffects (a Need
// is in flight), and Terminated (a Done or Fail decision was reached).
// Because the coordinator may resume the continuation on a different
// goroutine (the event-loop scheduler's continuation pool) than the one
// that observed the Need, Run does not loop in place across a
// suspension: it recurses through runFrom, and the top-level caller
// blocks on a completion channel until some goroutine reaches
// Terminated.
type Interpreter struct {
	coord *coordinator.Coordinator
}

// New builds an interpreter bound to coord.
func New(coord *coordinator.Coordinator) *Interpreter {
	return &Interpreter{coord: coord}
}

// Outcome is the terminal result of running a pipeline: exactly one of
// Response or Err is meaningful.
type Outcome struct {
	Response decision.Response
	Err      *errdomain.Error
}

type compiled struct {
	steps       []Step
	indexByName map[string]int
}

// Run executes def's global-before steps, then match.Route's own
// before+steps sequence, in order, starting at index 0, and blocks
// until the request reaches a terminal decision.
func (ip *Interpreter) Run(ctx *reqctx.Context, def Definition, match router.Match) Outcome {
	names := append(append([]string{}, def.GlobalBefore...), match.Route.Before...)
	names = append(names, match.Route.Steps...)
	steps, err := def.Resolve(names)
	if err != nil {
		return Outcome{Err: errdomain.Internal("pipeline", match.Route.Method, err)}
	}
	c := compiled{steps: steps, indexByName: make(map[string]int, len(steps))}
	for i, s := range steps {
		c.indexByName[s.Name] = i
	}

	ctx.Trace.Emit("request_start", map[string]any{"method": ctx.Attrs.Method, "path": ctx.Attrs.Path})

	done := make(chan Outcome, 1)
	ip.runFrom(ctx, c, 0, done)
	outcome := <-done

	ctx.Trace.Emit("request_end", map[string]any{"terminal": outcomeKind(outcome)})
	return outcome
}

// runFrom executes steps starting at i. On Continue it advances in a
// simple loop; on Done/Fail it publishes the terminal Outcome; on Need
// it hands off to the coordinator and returns — the coordinator's
// runContinuation callback (invoked once the join condition is met,
// possibly from a worker goroutine) re-enters runFrom at the resume
// index, keeping the whole chain single-writer into done.
func (ip *Interpreter) runFrom(ctx *reqctx.Context, c compiled, start int, done chan<- Outcome) {
	i := start
	for i < len(c.steps) {
		step := c.steps[i]
		v := view.New(ctx, step.Decl)

		ctx.Trace.Emit("step_start", map[string]any{"step_name": step.Name, "sequence": i})
		d := step.Run(v)
		ctx.Trace.Emit("step_end", map[string]any{"step_name": step.Name, "sequence": i, "kind": d.Kind.String()})

		switch d.Kind {
		case decision.KindContinue:
			i++
			continue

		case decision.KindDone:
			resp, _ := d.AsDone()
			done <- Outcome{Response: resp}
			return

		case decision.KindFail:
			ferr, _ := d.AsFail()
			done <- Outcome{Err: ferr}
			return

		case decision.KindNeed:
			need, _ := d.AsNeed()
			resumeIdx, ok := c.indexByName[need.Resume]
			if !ok && need.Resume != "" {
				done <- Outcome{Err: errdomain.Internal("pipeline", need.Resume, errUnknownResumeStep())}
				return
			}
			dispatchErr := ip.coord.Dispatch(ctx, step.Name, need, func(goCtx context.Context) {
				ip.runFrom(ctx, c, resumeIdx, done)
			})
			if dispatchErr != nil {
				if de, isDomain := errdomain.As(dispatchErr); isDomain {
					done <- Outcome{Err: de}
				} else {
					done <- Outcome{Err: errdomain.Internal("pipeline", need.Resume, dispatchErr)}
				}
			}
			return

		default:
			done <- Outcome{Err: errdomain.Internal("pipeline", "decision", errUnknownDecisionKind())}
			return
		}
	}
	done <- Outcome{Err: errdomain.Internal("pipeline", "fallthrough", errNoTerminalDecision())}
}

func outcomeKind(o Outcome) string {
	if o.Err != nil {
		return "fail"
	}
	return "done"
}

type pipelineError struct{ msg string }

func (e *pipelineError) Error() string { return e.msg }

func errNoTerminalDecision() error {
	return &pipelineError{msg: "step sequence exhausted without a terminal decision"}
}

func errUnknownResumeStep() error {
	return &pipelineError{msg: "need.Resume names a step outside this route's sequence"}
}

func errUnknownDecisionKind() error {
	return &pipelineError{msg: "decision carries an unrecognized kind"}
}
