package pipeline

import (
	"encoding/json"
	"fmt"
)

// marshalPayload is the plain json.Marshal a Dispatch caller uses when no
// information-barrier scrubbing applies.
func marshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal payload: %w", err)
	}
	return data, nil
}

// buildValidateRequestPayload marshals req and, as defense in depth against
// a future regression in Plan.Strip, scrubs any of the forbidden keys from
// §4.3 step 3 ("if the envelope payload contains any forbidden key ... log a
// barrier-violation warning and drop those keys — never forward them") that
// somehow made it onto the wire shape. dropped reports which keys were
// removed, for the caller to audit; it is empty on the expected path since
// ValidateRequest's own shape never carries them.
func buildValidateRequestPayload(req ValidateRequest) (json.RawMessage, []string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: marshal validate request: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("pipeline: decode validate request for barrier scrub: %w", err)
	}

	var dropped []string
	for _, key := range forbiddenValidatorKeys {
		if _, ok := fields[key]; ok {
			delete(fields, key)
			dropped = append(dropped, key)
		}
	}
	if len(dropped) == 0 {
		return raw, nil, nil
	}

	scrubbed, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: remarshal scrubbed validate request: %w", err)
	}
	return scrubbed, dropped, nil
}
