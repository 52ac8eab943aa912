package config

import "encoding/json"

// ChangedSections reports which top-level config sections differ between two
// configs. It is used only for reload logging; comparison is by JSON form.
func ChangedSections(prev, next *Config) []string {
	if prev == nil || next == nil {
		if prev == next {
			return nil
		}
		return []string{"all"}
	}

	var out []string
	if !jsonEqual(prev.Bus, next.Bus) {
		out = append(out, "bus")
	}
	if !jsonEqual(prev.API, next.API) {
		out = append(out, "api")
	}
	if !jsonEqual(prev.Logging, next.Logging) {
		out = append(out, "logging")
	}
	if !jsonEqual(prev.History, next.History) {
		out = append(out, "history")
	}
	if !jsonEqual(prev.Announce, next.Announce) {
		out = append(out, "announce")
	}
	if !jsonEqual(prev.Pprof, next.Pprof) {
		out = append(out, "pprof")
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
