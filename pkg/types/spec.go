package types

import (
	"sort"
	"strings"
)

// SystemType computes the capability-matching key for a derivation: a
// platform string, optionally joined with the sorted set of required
// system features.
func SystemType(platform string, features map[string]struct{}) string {
	if len(features) == 0 {
		return platform
	}
	fs := make([]string, 0, len(features))
	for f := range features {
		fs = append(fs, f)
	}
	sort.Strings(fs)
	return platform + ":" + strings.Join(fs, ",")
}

// FullJobName formats the canonical project:jobset:job identity used
// in logs and the status dump.
func FullJobName(project, jobset, job string) string {
	return project + ":" + jobset + ":" + job
}
