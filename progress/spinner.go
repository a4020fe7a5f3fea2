package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Spinner marks work of unknown length, such as parsing dataset files.
type Spinner struct {
	message      atomic.Value
	messageWidth int

	parts []string

	value atomic.Int64

	done    chan struct{}
	started time.Time
	stopped atomic.Pointer[time.Time]
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.message.Store(message)
	go s.start()
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.message.Store(message)
}

func (s *Spinner) String() string {
	var sb strings.Builder
	if message, ok := s.message.Load().(string); ok && len(message) > 0 {
		message := strings.TrimSpace(message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if s.stopped.Load() == nil {
		sb.WriteString(s.parts[int(s.value.Load())%len(s.parts)])
		sb.WriteString(" ")
	}

	return sb.String()
}

func (s *Spinner) start() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.value.Add(1)
		}
	}
}

func (s *Spinner) Stop() {
	now := time.Now()
	if s.stopped.CompareAndSwap(nil, &now) {
		close(s.done)
	}
}
