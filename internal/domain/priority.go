package domain

import (
	"fmt"
	"strings"
)

// FilePriority is a per-file download priority override.
type FilePriority string

const (
	PrioritySkip   FilePriority = "skip"
	PriorityLow    FilePriority = "low"
	PriorityNormal FilePriority = "normal"
	PriorityHigh   FilePriority = "high"
)

func ParseFilePriority(raw string) (FilePriority, error) {
	switch p := FilePriority(strings.ToLower(strings.TrimSpace(raw))); p {
	case PrioritySkip, PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("%w: file priority %q", ErrInvalidRequest, raw)
	}
}
