package service

import (
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/noah-isme/sma-class-chat/pkg/errors"
)

// parseID trims raw and checks it is a UUID, returning the canonical form.
// Every identifier column is a UUID, so anything else is rejected before a query runs.
func parseID(raw, field string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, field+" is required")
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, field+" is malformed")
	}
	return parsed.String(), nil
}

// parseIDs validates every entry of raw, preserving order.
func parseIDs(raw []string, field string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		id, err := parseID(r, field)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
