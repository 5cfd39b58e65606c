// Package decision defines the tagged Decision and Effect variants the
// pipeline interpreter and effect coordinator consume, plus the Mode,
// Join, and RetryPolicy types that govern effect dispatch. These are
// closed sets by design (§9: "closed-set variants over inheritance") —
// construct them only through the constructors below so exactly one arm
// is ever live.
package decision

import (
	"time"

	"github.com/stepflow/engine/engine/errdomain"
	"github.com/stepflow/engine/engine/slot"
)

// Kind discriminates the four Decision variants.
type Kind int

const (
	KindContinue Kind = iota
	KindDone
	KindFail
	KindNeed
)

func (k Kind) String() string {
	switch k {
	case KindContinue:
		return "Continue"
	case KindDone:
		return "Done"
	case KindFail:
		return "Fail"
	case KindNeed:
		return "Need"
	default:
		return "Unknown"
	}
}

// Response is the payload of a Done decision.
type Response struct {
	Status  int
	Headers [][2]string
	Body    []byte
}

// Decision is the tagged result of a step call. Exactly one of the
// payload fields is meaningful, selected by Kind; use the constructors
// below rather than building a Decision by hand.
type Decision struct {
	Kind Kind

	done *Response
	fail *errdomain.Error
	need *Need
}

// Continue proceeds to the next step in sequence.
func Continue() Decision { return Decision{Kind: KindContinue} }

// Done terminates the pipeline successfully with the given response.
func Done(status int, headers [][2]string, body []byte) Decision {
	return Decision{Kind: KindDone, done: &Response{Status: status, Headers: headers, Body: body}}
}

// Fail terminates the pipeline and routes to the error renderer.
func Fail(err *errdomain.Error) Decision {
	return Decision{Kind: KindFail, fail: err}
}

// NeedDecision requests one or more effects and nominates a continuation.
func NeedDecision(n Need) Decision {
	return Decision{Kind: KindNeed, need: &n}
}

// AsDone returns the Done payload; ok is false unless Kind == KindDone.
func (d Decision) AsDone() (Response, bool) {
	if d.Kind != KindDone || d.done == nil {
		return Response{}, false
	}
	return *d.done, true
}

// AsFail returns the Fail payload; ok is false unless Kind == KindFail.
func (d Decision) AsFail() (*errdomain.Error, bool) {
	if d.Kind != KindFail {
		return nil, false
	}
	return d.fail, true
}

// AsNeed returns the Need payload; ok is false unless Kind == KindNeed.
func (d Decision) AsNeed() (Need, bool) {
	if d.Kind != KindNeed || d.need == nil {
		return Need{}, false
	}
	return *d.need, true
}

// Need is the payload of a Need decision: a batch of effects, the mode
// and join policy governing their dispatch, and the step to resume with
// once the join condition is met.
type Need struct {
	Effects      []Effect
	Mode         Mode
	Join         Join
	Resume       string // step name to resume with
	Compensation []Effect
}

// Mode governs whether a Need's effects start in declaration order or
// concurrently.
type Mode int

const (
	Sequential Mode = iota
	Parallel
)

// Join governs when the coordinator schedules the continuation relative
// to effect completions.
type Join int

const (
	JoinAll Join = iota
	JoinAllRequired
	JoinAny
	JoinFirstSuccess
)

// RetryPolicy controls per-effect retry/backoff.
type RetryPolicy struct {
	MaxAttempts        int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             float64 // fraction in [0,1]; delay jitter is uniform in [0, Jitter*delay]
	PerAttemptTimeout  time.Duration
}

// Delay returns the backoff delay before attempt k (1-indexed), before
// jitter, per invariant 3: min(max_delay, initial_delay * multiplier^(k-1)).
func (r RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return clampDelay(r.InitialDelay, r.MaxDelay)
	}
	mult := r.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(r.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return clampDelay(time.Duration(d), r.MaxDelay)
}

func clampDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// EffectKind is the closed set of effect variants.
type EffectKind string

const (
	EffectDBGet       EffectKind = "db_get"
	EffectDBPut       EffectKind = "db_put"
	EffectDBDel       EffectKind = "db_del"
	EffectDBScan      EffectKind = "db_scan"
	EffectDBQuery     EffectKind = "db_query"
	EffectHTTPGet     EffectKind = "http_get"
	EffectHTTPPost    EffectKind = "http_post"
	EffectHTTPCall    EffectKind = "http_call"
	EffectComputeTask EffectKind = "compute_task"
	EffectCompensate  EffectKind = "compensate"
)

// SQLParam is a bound parameter value for db_query, one of the closed
// set {null, int64, float64, bool, text, blob}.
type SQLParam struct {
	Null   bool
	Int64  int64
	Float  float64
	Bool   bool
	Text   string
	Blob   []byte
	IsInt  bool
	IsFlt  bool
	IsBool bool
	IsText bool
	IsBlob bool
}

func SQLNull() SQLParam                { return SQLParam{Null: true} }
func SQLInt64(v int64) SQLParam        { return SQLParam{Int64: v, IsInt: true} }
func SQLFloat64(v float64) SQLParam    { return SQLParam{Float: v, IsFlt: true} }
func SQLBool(v bool) SQLParam          { return SQLParam{Bool: v, IsBool: true} }
func SQLText(v string) SQLParam        { return SQLParam{Text: v, IsText: true} }
func SQLBlob(v []byte) SQLParam        { return SQLParam{Blob: v, IsBlob: true} }

// Effect is a declarative I/O request performed by the runtime on a
// step's behalf. Fields outside the common prefix are meaningful only
// for the relevant Kind.
type Effect struct {
	Kind EffectKind

	// Common to every effect.
	Token       slot.ID
	Required    bool
	TimeoutMS   int
	Retry       *RetryPolicy
	IdemKey     string

	// KV variants (db_get/put/del/scan).
	Namespace string
	Key       string
	KeyPrefix string // db_scan
	Value     []byte // db_put

	// SQL variant (db_query).
	SQL    string
	Params []SQLParam

	// HTTP variants.
	URL         string
	Method      string
	Headers     [][2]string
	Body        []byte
	ExtractPath string // optional gjson path applied to the response body

	// compute_task variant.
	ComputeMode string // "js" | "jsonpath"
	ComputeExpr string
	ComputeArgs map[string]any

	// compensate variant: identifies which earlier effect to undo.
	CompensateFor slot.ID
}
