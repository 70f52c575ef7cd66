// Package jsend decodes and encodes the JSON response envelope shared
// by the index server and file server HTTP contracts:
// {status, code, message, data}.
package jsend

import (
	"encoding/json"
	"fmt"

	"github.com/mredolatti/tf/internal/xerrors"
)

// Status is the top-level outcome reported by a JSend envelope.
type Status string

// The three statuses defined by the JSend convention.
const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
)

// Envelope is the raw wire shape of a JSend response.
type Envelope struct {
	Status  Status          `json:"status"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses body as a JSend envelope. If the envelope's status is
// not "success", it returns an *xerrors.Error classified as the kind
// given by onFailure, carrying the envelope's message (or its
// string-to-string data map) as the wrapped error.
func Decode(body []byte, onFailure xerrors.Kind) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, xerrors.E("jsend.Decode", xerrors.Str(fmt.Sprintf("malformed envelope: %v", err)))
	}
	switch env.Status {
	case StatusSuccess:
		return &env, nil
	case StatusFail, StatusError:
		return &env, xerrors.E("jsend.Decode", onFailure, xerrors.Str(env.failureMessage()))
	default:
		return nil, xerrors.E("jsend.Decode", xerrors.Str(fmt.Sprintf("unknown status %q", env.Status)))
	}
}

// failureMessage renders the human-readable text of a fail/error
// envelope: the message field if set, else the free-form
// string-to-string data map flattened into "key: value, ..." form.
func (e *Envelope) failureMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Data) == 0 {
		return "no message"
	}
	var fields map[string]string
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return string(e.Data)
	}
	msg := ""
	for k, v := range fields {
		if msg != "" {
			msg += ", "
		}
		msg += k + ": " + v
	}
	return msg
}

// DataField unmarshals the named field of env.Data (e.g.
// data.mappings, data.mapping) into out.
func DataField(env *Envelope, field string, out interface{}) error {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &wrapper); err != nil {
		return xerrors.E("jsend.DataField", xerrors.Str(fmt.Sprintf("data is not an object: %v", err)))
	}
	raw, ok := wrapper[field]
	if !ok {
		return xerrors.E("jsend.DataField", xerrors.Str(fmt.Sprintf("data.%s missing", field)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.E("jsend.DataField", xerrors.Str(fmt.Sprintf("data.%s: %v", field, err)))
	}
	return nil
}

// Success builds a success envelope wrapping data under the given
// field name, e.g. Success("mappings", []Mapping{...}).
func Success(field string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(map[string]interface{}{field: data})
	if err != nil {
		return nil, err
	}
	return &Envelope{Status: StatusSuccess, Data: raw}, nil
}

// Fail builds a fail envelope with the given human-readable message.
func Fail(message string) *Envelope {
	return &Envelope{Status: StatusFail, Message: message}
}
