package metrics

// valueEqual compares two already-derived JSON values (float64 or bool
// false) for compression purposes (spec §4.6.5).
func valueEqual(a, b any) bool {
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		return ok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return false
}

// compressScalar reduces curr to nil if it is unchanged from prev (no
// previous value counts as "changed").
func compressScalar(curr, prev any, havePrev bool) any {
	if havePrev && valueEqual(curr, prev) {
		return nil
	}
	return curr
}

// compressInstanced applies compressScalar across an instanced metric's
// values, keyed by instance name so added/removed/reordered instances never
// get compared against the wrong prior value, then truncates a trailing run
// of nulls (spec §4.6.5).
func compressInstanced(names []string, curr map[string]any, prev map[string]any) []any {
	out := make([]any, len(names))
	for i, name := range names {
		v := curr[name]
		_, havePrev := prev[name]
		out[i] = compressScalar(v, prev[name], havePrev)
	}
	end := len(out)
	for end > 0 && out[end-1] == nil {
		end--
	}
	return out[:end]
}
