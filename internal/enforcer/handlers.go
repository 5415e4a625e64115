package enforcer

import (
	"context"
	"encoding/json"

	"erpsplit/internal/store"
	dErrors "erpsplit/pkg/domain-errors"
)

// ApplyMutationsCommand names the generic command whose payload carries the
// mutations to apply: {"mutations": [{"op": "update", "entity": {...}}]}.
const ApplyMutationsCommand = "applyMutations"

// ApplyMutations applies the mutations listed in the command payload. The
// sender states expected versions itself, so a stale payload is rejected by
// the version check like any other write.
func ApplyMutations(_ context.Context, _ store.EntityReader, cmd Command) ([]store.Mutation, error) {
	raw, ok := cmd.Payload["mutations"]
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "payload has no mutations")
	}
	// Payloads arrive either as decoded JSON or as typed values from an
	// in-process sender; a JSON round trip normalizes both.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "mutations are not encodable")
	}
	var mutations []store.Mutation
	if err := json.Unmarshal(data, &mutations); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed mutations")
	}
	if len(mutations) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "payload has no mutations")
	}
	return mutations, nil
}
