package canbus

// FrameFilter decides whether a frame should be delivered.
type FrameFilter func(Frame) bool

// ByID matches frames with the exact identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByIDs matches any of the provided identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return func(f Frame) bool {
		_, ok := m[f.ID]
		return ok
	}
}

func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// And composes filters; the result matches when all match. Nil filters are skipped.
func And(filters ...FrameFilter) FrameFilter {
	return func(f Frame) bool {
		for _, ff := range filters {
			if ff != nil && !ff(f) {
				return false
			}
		}
		return true
	}
}
