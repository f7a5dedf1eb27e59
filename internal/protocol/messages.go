// Package protocol implements the Stratum V1 line protocol: message framing,
// difficulty/target conversion, and the legacy prevhash encoding.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC error codes used over the wire.
const (
	ErrJobNotFound        = 21
	ErrDuplicateShare     = 22
	ErrLowDifficultyShare = 23
	ErrUnauthorizedWorker = 24
	ErrNotSubscribed      = 25
	ErrInvalidNonceSize   = 26
	ErrBadRequest         = 27
	ErrOther              = 20
)

// MaxFrameBytes is the hard limit on a single newline-delimited frame.
const MaxFrameBytes = 32 * 1024

// StratumError is the [code, message, data] triple sent as a response error.
type StratumError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *StratumError) Error() string {
	return e.Message
}

// NewError builds a StratumError with a nil data field.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// MarshalJSON renders the error as the wire triple.
func (e *StratumError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Code, e.Message, e.Data})
}

// rawFrame is the superset of fields that appear across request, response,
// and notification shapes. Discrimination is by field presence, not by a
// type tag, per the wire format's three shapes.
type rawFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// FrameKind identifies which of the three wire shapes a parsed line is.
type FrameKind int

const (
	KindRequest FrameKind = iota
	KindNotification
	KindResponse
)

// Frame is a parsed line of the wire protocol, classified by field presence.
type Frame struct {
	Kind   FrameKind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage
}

// ParseFrame classifies a single line. method+id present (id non-null) is a
// request; method present with id null or absent is a notification; absence
// of method with result or error present is a response.
func ParseFrame(line []byte) (*Frame, error) {
	if len(line) > MaxFrameBytes {
		return nil, fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameBytes)
	}

	var raw rawFrame
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("protocol: malformed json: %w", err)
	}

	f := &Frame{
		ID:     raw.ID,
		Method: raw.Method,
		Params: raw.Params,
		Result: raw.Result,
		Error:  raw.Error,
	}

	isNullOrAbsent := len(raw.ID) == 0 || string(raw.ID) == "null"

	switch {
	case raw.Method != "" && !isNullOrAbsent:
		f.Kind = KindRequest
	case raw.Method != "":
		f.Kind = KindNotification
	default:
		f.Kind = KindResponse
	}

	return f, nil
}

// EncodeRequest renders a request/notification line. id == nil produces a
// notification frame, which carries an explicit id:null.
func EncodeRequest(id interface{}, method string, params interface{}) ([]byte, error) {
	obj := map[string]interface{}{
		"id":     id,
		"method": method,
		"params": params,
	}
	return json.Marshal(obj)
}

// EncodeResult renders a successful response line.
func EncodeResult(id json.RawMessage, result interface{}) ([]byte, error) {
	obj := struct {
		ID     json.RawMessage `json:"id"`
		Result interface{}     `json:"result"`
		Error  interface{}     `json:"error"`
	}{ID: id, Result: result, Error: nil}
	return json.Marshal(obj)
}

// EncodeError renders a failed response line.
func EncodeError(id json.RawMessage, err *StratumError) ([]byte, error) {
	obj := struct {
		ID     json.RawMessage `json:"id"`
		Result interface{}     `json:"result"`
		Error  *StratumError   `json:"error"`
	}{ID: id, Result: nil, Error: err}
	return json.Marshal(obj)
}

// EncodeSubmitReject renders a mining.submit rejection: result:false plus a
// sibling reject-reason field, as permitted by the wire format.
func EncodeSubmitReject(id json.RawMessage, code int, reason string) ([]byte, error) {
	obj := struct {
		ID           json.RawMessage `json:"id"`
		Result       bool            `json:"result"`
		Error        *StratumError   `json:"error"`
		RejectReason string          `json:"reject-reason"`
	}{ID: id, Result: false, Error: NewError(code, reason), RejectReason: reason}
	return json.Marshal(obj)
}

// SubscribeParams is the parsed mining.subscribe params array.
type SubscribeParams struct {
	UserAgent string
	SessionID string
}

// ParseSubscribeParams parses mining.subscribe([user_agent, session_id]).
func ParseSubscribeParams(data json.RawMessage) (SubscribeParams, error) {
	var params []json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &params); err != nil {
			return SubscribeParams{}, fmt.Errorf("protocol: bad subscribe params: %w", err)
		}
	}
	var out SubscribeParams
	if len(params) > 0 {
		_ = json.Unmarshal(params[0], &out.UserAgent)
	}
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &out.SessionID)
	}
	return out, nil
}

// AuthorizeParams is the parsed mining.authorize params array.
type AuthorizeParams struct {
	Username string
	Password string
}

// ParseAuthorizeParams parses mining.authorize(username, password).
func ParseAuthorizeParams(data json.RawMessage) (AuthorizeParams, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(data, &params); err != nil || len(params) < 1 {
		return AuthorizeParams{}, NewError(ErrBadRequest, "invalid mining.authorize params")
	}
	var out AuthorizeParams
	_ = json.Unmarshal(params[0], &out.Username)
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &out.Password)
	}
	return out, nil
}

// SubmitParams is the parsed mining.submit params array.
type SubmitParams struct {
	WorkerName  string
	JobID       string
	Enonce2     string
	NTime       string
	Nonce       string
	VersionBits string
	HasVersion  bool
}

// ParseSubmitParams parses mining.submit(worker, job_id, enonce2, ntime, nonce[, version_bits]).
func ParseSubmitParams(data json.RawMessage) (SubmitParams, error) {
	var params []json.RawMessage
	if err := json.Unmarshal(data, &params); err != nil || len(params) < 5 {
		return SubmitParams{}, NewError(ErrBadRequest, "invalid mining.submit params")
	}
	var out SubmitParams
	_ = json.Unmarshal(params[0], &out.WorkerName)
	_ = json.Unmarshal(params[1], &out.JobID)
	_ = json.Unmarshal(params[2], &out.Enonce2)
	_ = json.Unmarshal(params[3], &out.NTime)
	_ = json.Unmarshal(params[4], &out.Nonce)
	if len(params) > 5 {
		_ = json.Unmarshal(params[5], &out.VersionBits)
		out.HasVersion = true
	}
	return out, nil
}

// ConfigureParams is the parsed mining.configure params.
type ConfigureParams struct {
	Extensions []string
	VersionRollingMask    string
	VersionRollingMinBits int
	HasVersionRolling     bool
}

// ParseConfigureParams parses mining.configure(extensions, params_obj).
func ParseConfigureParams(data json.RawMessage) (ConfigureParams, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) < 1 {
		return ConfigureParams{}, NewError(ErrBadRequest, "invalid mining.configure params")
	}
	var out ConfigureParams
	if err := json.Unmarshal(raw[0], &out.Extensions); err != nil {
		return ConfigureParams{}, NewError(ErrBadRequest, "invalid mining.configure extensions")
	}

	var extras map[string]json.RawMessage
	if len(raw) > 1 {
		_ = json.Unmarshal(raw[1], &extras)
	}

	for _, ext := range out.Extensions {
		if ext == "version-rolling" {
			out.HasVersionRolling = true
			if v, ok := extras["version-rolling.mask"]; ok {
				_ = json.Unmarshal(v, &out.VersionRollingMask)
			} else {
				out.VersionRollingMask = "1fffe000"
			}
			if v, ok := extras["version-rolling.min-bit-count"]; ok {
				_ = json.Unmarshal(v, &out.VersionRollingMinBits)
			}
		}
	}

	return out, nil
}

// NotifyParams is the ordered mining.notify params array.
type NotifyParams struct {
	JobID          string
	PrevHash       string
	Coinb1         string
	Coinb2         string
	MerkleBranches []string
	Version        string
	NBits          string
	NTime          string
	CleanJobs      bool
}

// Encode renders the mining.notify params as the ordered wire array.
func (n NotifyParams) Encode() []interface{} {
	branches := n.MerkleBranches
	if branches == nil {
		branches = []string{}
	}
	return []interface{}{
		n.JobID, n.PrevHash, n.Coinb1, n.Coinb2, branches,
		n.Version, n.NBits, n.NTime, n.CleanJobs,
	}
}
