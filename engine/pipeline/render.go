package pipeline

import (
	"encoding/json"

	"github.com/stepflow/engine/engine/errdomain"
)

// errorBody is the canonical JSON shape for a rendered Fail outcome,
// matching the §7 error taxonomy: a stable kind string, the What/Key
// context, and the underlying message when present.
type errorBody struct {
	Kind    string `json:"kind"`
	What    string `json:"what"`
	Key     string `json:"key"`
	Message string `json:"message,omitempty"`
}

// Render converts a terminal Outcome into the status/headers/body a
// transport layer writes back to the client. A Fail outcome is rendered
// through the canonical kind->status mapping; a Done outcome passes
// through unchanged.
func Render(o Outcome) (status int, headers [][2]string, body []byte) {
	if o.Err == nil {
		return o.Response.Status, o.Response.Headers, o.Response.Body
	}

	status = o.Err.HTTPStatus()
	headers = [][2]string{{"Content-Type", "application/json"}}
	eb := errorBody{Kind: string(o.Err.Kind), What: o.Err.What, Key: o.Err.Key}
	if o.Err.Err != nil {
		eb.Message = o.Err.Err.Error()
	}
	body, marshalErr := json.Marshal(eb)
	if marshalErr != nil {
		body = []byte(`{"kind":"` + string(errdomain.KindInternal) + `","what":"render","key":"marshal"}`)
		status = errdomain.Internal("render", "marshal", marshalErr).HTTPStatus()
	}
	return status, headers, body
}
