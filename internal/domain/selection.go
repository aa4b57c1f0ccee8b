package domain

import (
	"path"
	"slices"
	"strings"
)

// SelectionRules decide which files of a transfer are downloaded.
type SelectionRules struct {
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
	SkipFluff bool     `json:"skipFluff"`
}

// FileSelection is the full selection state of a transfer: glob rules plus
// per-file priority overrides keyed by file index.
type FileSelection struct {
	Rules      SelectionRules       `json:"rules"`
	Priorities map[int]FilePriority `json:"priorities,omitempty"`
}

var fluffExtensions = map[string]struct{}{
	".nfo": {},
	".txt": {},
	".url": {},
	".exe": {},
	".lnk": {},
	".sfv": {},
}

// Wants reports whether a file path inside the transfer passes the rules.
// Exclude beats include; an empty include list matches everything.
func (r SelectionRules) Wants(filePath string) bool {
	p := strings.ReplaceAll(filePath, "\\", "/")
	base := path.Base(p)

	if r.SkipFluff && isFluff(p, base) {
		return false
	}
	for _, pattern := range r.Exclude {
		if globMatch(pattern, p, base) {
			return false
		}
	}
	if len(r.Include) == 0 {
		return true
	}
	for _, pattern := range r.Include {
		if globMatch(pattern, p, base) {
			return true
		}
	}
	return false
}

// Priority resolves the effective priority of a file.
func (s FileSelection) Priority(index int, filePath string) FilePriority {
	if p, ok := s.Priorities[index]; ok {
		return p
	}
	if !s.Rules.Wants(filePath) {
		return PrioritySkip
	}
	return PriorityNormal
}

func (r SelectionRules) Equal(other SelectionRules) bool {
	return r.SkipFluff == other.SkipFluff &&
		slices.Equal(r.Include, other.Include) &&
		slices.Equal(r.Exclude, other.Exclude)
}

func (s FileSelection) Equal(other FileSelection) bool {
	if !s.Rules.Equal(other.Rules) || len(s.Priorities) != len(other.Priorities) {
		return false
	}
	for idx, p := range s.Priorities {
		if q, ok := other.Priorities[idx]; !ok || q != p {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s FileSelection) Clone() FileSelection {
	out := FileSelection{
		Rules: SelectionRules{
			Include:   slices.Clone(s.Rules.Include),
			Exclude:   slices.Clone(s.Rules.Exclude),
			SkipFluff: s.Rules.SkipFluff,
		},
	}
	if len(s.Priorities) > 0 {
		out.Priorities = make(map[int]FilePriority, len(s.Priorities))
		for k, v := range s.Priorities {
			out.Priorities[k] = v
		}
	}
	return out
}

func globMatch(pattern, full, base string) bool {
	if ok, err := path.Match(pattern, full); err == nil && ok {
		return true
	}
	if strings.Contains(pattern, "/") {
		return false
	}
	ok, err := path.Match(pattern, base)
	return err == nil && ok
}

func isFluff(full, base string) bool {
	lower := strings.ToLower(base)
	if _, ok := fluffExtensions[path.Ext(lower)]; ok {
		return true
	}
	if strings.Contains(lower, "sample") {
		return true
	}
	for _, dir := range strings.Split(strings.ToLower(path.Dir(full)), "/") {
		if dir == "sample" || dir == "samples" {
			return true
		}
	}
	return false
}
