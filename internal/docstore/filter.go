package docstore

// Matches reports whether the document fields satisfy the predicate.
// Values that went through a JSON codec arrive as float64/string/bool/
// []any, so numeric comparison normalizes both sides to float64.
func (p Predicate) Matches(fields map[string]any) bool {
	v, ok := fields[p.Field]
	if !ok {
		return false
	}
	switch p.Op {
	case OpEqual:
		c, ok := Compare(v, p.Value)
		return ok && c == 0
	case OpGreater:
		c, ok := Compare(v, p.Value)
		return ok && c > 0
	case OpArrayContains:
		arr, ok := v.([]any)
		if !ok {
			if sarr, ok2 := v.([]string); ok2 {
				for _, e := range sarr {
					arr = append(arr, e)
				}
			} else {
				return false
			}
		}
		for _, e := range arr {
			if c, ok := Compare(e, p.Value); ok && c == 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchesAll reports whether the fields satisfy every predicate.
func MatchesAll(fields map[string]any, preds []Predicate) bool {
	for _, p := range preds {
		if !p.Matches(fields) {
			return false
		}
	}
	return true
}

// Compare orders two field values. The second return is false when the
// values are not comparable (different shapes).
func Compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
