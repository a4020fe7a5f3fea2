package train

// Mean is a running average, reset by the owning training loop once per epoch.
type Mean struct {
	Name  string
	total float64
	count int
}

func NewMean(name string) *Mean {
	return &Mean{Name: name}
}

func (m *Mean) Update(v float64) {
	m.total += v
	m.count++
}

// Result is the mean of all values since the last Reset, or 0 if none.
func (m *Mean) Result() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / float64(m.count)
}

func (m *Mean) Count() int {
	return m.count
}

func (m *Mean) Reset() {
	m.total, m.count = 0, 0
}

// Results collects the current value of each tracker keyed by name.
func Results(ms ...*Mean) map[string]float64 {
	out := make(map[string]float64, len(ms))
	for _, m := range ms {
		out[m.Name] = m.Result()
	}
	return out
}

// ResetAll resets every tracker.
func ResetAll(ms ...*Mean) {
	for _, m := range ms {
		m.Reset()
	}
}
