package progress

import (
	"fmt"
	"strings"
	"sync"
)

// StepBar displays reverse diffusion steps, one cell per step.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: max(total, 1)}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(max(current, 0), s.total)
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	percent := float64(s.current) / float64(s.total) * 100

	// "Denoising   0% ▕         ▏ 0/9"
	return fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, percent,
		strings.Repeat("█", s.current), strings.Repeat(" ", s.total-s.current),
		s.current, s.total)
}
