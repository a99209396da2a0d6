package model

import (
	"sort"
	"strings"
)

// CoversSkills reports whether one skill set contains every required skill.
func CoversSkills(set, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(set))
	for _, s := range set {
		have[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// HasSkills reports whether any alternative skill set of the vehicle covers
// the required skills. An empty requirement is always satisfied.
func (v *Vehicle) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, set := range v.Skills {
		if CoversSkills(set, required) {
			return true
		}
	}
	return false
}

// SkillKey is a canonical signature of a skill list (sorted, deduplicated).
func SkillKey(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	uniq := map[string]struct{}{}
	for _, s := range skills {
		uniq[s] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for s := range uniq {
		out = append(out, s)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// VehicleSkillKey is the signature of all alternative skill sets of a vehicle.
func VehicleSkillKey(v *Vehicle) string {
	keys := make([]string, 0, len(v.Skills))
	seen := map[string]struct{}{}
	for _, set := range v.Skills {
		k := SkillKey(set)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
