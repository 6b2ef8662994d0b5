// Package usage turns the management API's /usage payload into typed usage
// records and folds them into per-credential totals across polls.
package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/janekbaraniewski/cliproxymon/internal/core"
)

// Payload is the typed form of a /usage response.
type Payload struct {
	Totals core.UsageTotals
	APIs   map[string]API
}

type API struct {
	Models map[string]Model
}

type Model struct {
	Details []Detail
}

// Detail is one usage event. Items that could not be decoded keep their
// JSON path and a reason in Malformed and are otherwise zero.
type Detail struct {
	Path         string
	AuthIndex    int
	HasAuthIndex bool
	Tokens       TokenCounts
	HasTokens    bool
	Failed       bool
	Malformed    string
}

type TokenCounts struct {
	Input     int64
	Output    int64
	Cached    int64
	Reasoning int64
	Total     int64
}

type wirePayload struct {
	Usage          json.RawMessage `json:"usage"`
	FailedRequests *int64          `json:"failed_requests"`
}

type wireUsage struct {
	TotalRequests int64           `json:"total_requests"`
	SuccessCount  int64           `json:"success_count"`
	FailureCount  int64           `json:"failure_count"`
	TotalTokens   int64           `json:"total_tokens"`
	APIs          json.RawMessage `json:"apis"`
}

type wireAPI struct {
	Models json.RawMessage `json:"models"`
}

type wireModel struct {
	Details json.RawMessage `json:"details"`
}

type wireTokens struct {
	InputTokens     *int64 `json:"input_tokens"`
	OutputTokens    *int64 `json:"output_tokens"`
	CachedTokens    *int64 `json:"cached_tokens"`
	ReasoningTokens *int64 `json:"reasoning_tokens"`
	TotalTokens     *int64 `json:"total_tokens"`
}

// Decode validates the envelope of a /usage body. A structural mismatch
// (wrong type for usage, apis, models or details) is a ValidationError
// naming the JSON path; a bad individual detail is kept as Malformed.
func Decode(raw []byte) (Payload, error) {
	var wp wirePayload
	if err := json.Unmarshal(raw, &wp); err != nil {
		return Payload{}, &core.ValidationError{Field: "usage response", Reason: err.Error()}
	}

	var out Payload
	if isNull(wp.Usage) {
		if wp.FailedRequests != nil {
			out.Totals.FailedRequests = *wp.FailedRequests
		}
		return out, nil
	}

	var wu wireUsage
	if err := json.Unmarshal(wp.Usage, &wu); err != nil {
		return Payload{}, &core.ValidationError{Field: "usage", Reason: err.Error()}
	}
	out.Totals = core.UsageTotals{
		TotalRequests:  wu.TotalRequests,
		SuccessCount:   wu.SuccessCount,
		FailureCount:   wu.FailureCount,
		TotalTokens:    wu.TotalTokens,
		FailedRequests: wu.FailureCount,
	}
	if wp.FailedRequests != nil {
		out.Totals.FailedRequests = *wp.FailedRequests
	}

	if isNull(wu.APIs) {
		return out, nil
	}
	var apis map[string]json.RawMessage
	if err := json.Unmarshal(wu.APIs, &apis); err != nil {
		return Payload{}, &core.ValidationError{Field: "usage.apis", Reason: "expected object"}
	}

	out.APIs = make(map[string]API, len(apis))
	for apiName, apiRaw := range apis {
		apiPath := "usage.apis." + apiName
		api, err := decodeAPI(apiPath, apiRaw)
		if err != nil {
			return Payload{}, err
		}
		out.APIs[apiName] = api
	}
	return out, nil
}

func decodeAPI(path string, raw json.RawMessage) (API, error) {
	if isNull(raw) {
		return API{}, nil
	}
	var wa wireAPI
	if err := json.Unmarshal(raw, &wa); err != nil {
		return API{}, &core.ValidationError{Field: path, Reason: "expected object"}
	}
	if isNull(wa.Models) {
		return API{}, nil
	}
	var models map[string]json.RawMessage
	if err := json.Unmarshal(wa.Models, &models); err != nil {
		return API{}, &core.ValidationError{Field: path + ".models", Reason: "expected object"}
	}

	api := API{Models: make(map[string]Model, len(models))}
	for modelName, modelRaw := range models {
		modelPath := path + ".models." + modelName
		model, err := decodeModel(modelPath, modelRaw)
		if err != nil {
			return API{}, err
		}
		api.Models[modelName] = model
	}
	return api, nil
}

func decodeModel(path string, raw json.RawMessage) (Model, error) {
	if isNull(raw) {
		return Model{}, nil
	}
	var wm wireModel
	if err := json.Unmarshal(raw, &wm); err != nil {
		return Model{}, &core.ValidationError{Field: path, Reason: "expected object"}
	}
	if isNull(wm.Details) {
		return Model{}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(wm.Details, &items); err != nil {
		return Model{}, &core.ValidationError{Field: path + ".details", Reason: "expected array"}
	}

	model := Model{Details: make([]Detail, 0, len(items))}
	for i, item := range items {
		model.Details = append(model.Details, decodeDetail(fmt.Sprintf("%s.details[%d]", path, i), item))
	}
	return model, nil
}

func decodeDetail(path string, raw json.RawMessage) Detail {
	d := Detail{Path: path}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		d.Malformed = "detail is not an object"
		return d
	}

	if rawIndex, ok := fields["auth_index"]; ok && !isNull(rawIndex) {
		idx, err := parseAuthIndex(rawIndex)
		if err != nil {
			d.Malformed = "auth_index: " + err.Error()
			return d
		}
		d.AuthIndex = idx
		d.HasAuthIndex = true
	}

	if rawTokens, ok := fields["tokens"]; ok && !isNull(rawTokens) {
		tokens, err := parseTokens(rawTokens)
		if err != nil {
			d.Malformed = "tokens: " + err.Error()
			return d
		}
		d.Tokens = tokens
		d.HasTokens = true
	} else if d.HasAuthIndex {
		d.Malformed = "tokens: missing"
		return d
	}

	d.Failed = isFailure(fields)
	return d
}

// parseAuthIndex accepts a JSON integer or a string holding one.
func parseAuthIndex(raw json.RawMessage) (int, error) {
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch typed := v.(type) {
	case json.Number:
		n = typed
	case string:
		n = json.Number(strings.TrimSpace(typed))
	default:
		return 0, fmt.Errorf("not numeric")
	}
	idx, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", n.String())
	}
	if idx < 0 {
		return 0, fmt.Errorf("%d is negative", idx)
	}
	return idx, nil
}

// parseTokens accepts a bare integer total or the backend's token object.
func parseTokens(raw json.RawMessage) (TokenCounts, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		var total int64
		if err := json.Unmarshal(trimmed, &total); err != nil {
			return TokenCounts{}, fmt.Errorf("expected integer or object")
		}
		if total < 0 {
			return TokenCounts{}, fmt.Errorf("negative count %d", total)
		}
		return TokenCounts{Total: total}, nil
	}

	var wt wireTokens
	if err := json.Unmarshal(trimmed, &wt); err != nil {
		return TokenCounts{}, fmt.Errorf("expected integer counts")
	}
	tc := TokenCounts{
		Input:     deref(wt.InputTokens),
		Output:    deref(wt.OutputTokens),
		Cached:    deref(wt.CachedTokens),
		Reasoning: deref(wt.ReasoningTokens),
	}
	if wt.TotalTokens != nil {
		tc.Total = *wt.TotalTokens
	} else {
		tc.Total = tc.Input + tc.Output + tc.Reasoning
	}
	if tc.Input < 0 || tc.Output < 0 || tc.Cached < 0 || tc.Reasoning < 0 || tc.Total < 0 {
		return TokenCounts{}, fmt.Errorf("negative count")
	}
	return tc, nil
}

// isFailure applies the status policy: failed iff the item carries
// failed=true, success=false or a non-empty error.
func isFailure(fields map[string]json.RawMessage) bool {
	var flag bool
	if raw, ok := fields["failed"]; ok && json.Unmarshal(raw, &flag) == nil && flag {
		return true
	}
	if raw, ok := fields["success"]; ok && json.Unmarshal(raw, &flag) == nil && !flag {
		return true
	}
	var msg string
	if raw, ok := fields["error"]; ok && json.Unmarshal(raw, &msg) == nil && strings.TrimSpace(msg) != "" {
		return true
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
