package ws

import (
	"encoding/json"
	"errors"
	"strings"
)

var (
	ErrMalformed  = errors.New("Invalid message format")
	ErrAuthFailed = errors.New("Authentication failed")
	ErrUnknown    = errors.New("Unknown action")
	ErrRateLimit  = errors.New("Rate limit exceeded")
)

// Envelope is one inbound client message.
type Envelope struct {
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
	Username string          `json:"username"`
	Password string          `json:"password"`
	ClientID string          `json:"clientId,omitempty"`
	Person   string          `json:"person,omitempty"`
	Device   string          `json:"device,omitempty"`
}

// DecodeEnvelope rejects anything that is not a JSON object with an action.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, ErrMalformed
	}
	env.Action = strings.TrimSpace(env.Action)
	if env.Action == "" {
		return Envelope{}, ErrMalformed
	}
	return env, nil
}

// decodeData fills out from env.Data. Absent data leaves out untouched.
func (env Envelope) decodeData(out any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return ErrMalformed
	}
	return nil
}

// Result is the single reply shape. Exactly one of Data, Success or Error is set.
type Result struct {
	Action  string `json:"action,omitempty"`
	Data    any    `json:"data,omitempty"`
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Data(action string, v any) Result { return Result{Action: action, Data: v} }

func OK(action string) Result { return Result{Action: action, Success: true} }

func Fail(action string, err error) Result { return Result{Action: action, Error: err.Error()} }

// Bare is an error reply without an action field.
func Bare(err error) Result { return Result{Error: err.Error()} }

func (r Result) Encode() []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Fail(r.Action, errors.New("internal error")))
	}
	return b
}
