package planner

import (
	"path/filepath"
	"strings"

	"github.com/probelabs/visor/pkg/model"
)

// matchesTagFilter applies spec.md §4.1 rule 2: exclude (ANY-match) wins
// over include (ANY-match); an empty include list matches everything.
func matchesTagFilter(filter model.TagFilter, tags []string) bool {
	if len(filter.Exclude) > 0 && anyTagMatch(filter.Exclude, tags) {
		return false
	}
	if len(filter.Include) > 0 && !anyTagMatch(filter.Include, tags) {
		return false
	}
	return true
}

func anyTagMatch(set, tags []string) bool {
	for _, want := range set {
		for _, tag := range tags {
			if want == tag {
				return true
			}
		}
	}
	return false
}

// matchesTriggers gates a step by its `triggers` file globs against the
// event's changed-file list (spec.md §4.1 rule 4).
func matchesTriggers(triggers []string, filesChanged []string) bool {
	for _, pattern := range triggers {
		for _, f := range filesChanged {
			if matchGlob(pattern, f) {
				return true
			}
		}
	}
	return false
}

// matchGlob extends filepath.Match with a `**` segment meaning "zero or
// more path segments", the one piece of doublestar semantics a
// single-layer file-trigger glob needs (DESIGN.md).
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}
