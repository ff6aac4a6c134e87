package governor

// loopDetector keeps a bounded sliding window of recent tool call
// signatures (plugin.action) and trips when the whole window is one
// repeated signature. Alternating signatures never trip it.
type loopDetector struct {
	window int
	recent []string
}

func newLoopDetector(window int) *loopDetector {
	return &loopDetector{window: window}
}

// observe records one signature and reports whether the window tripped.
func (d *loopDetector) observe(signature string) bool {
	d.recent = append(d.recent, signature)
	if len(d.recent) > d.window {
		d.recent = d.recent[len(d.recent)-d.window:]
	}
	if len(d.recent) < d.window {
		return false
	}
	for _, s := range d.recent {
		if s != d.recent[0] {
			return false
		}
	}
	return true
}
