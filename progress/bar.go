package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Bar tracks training batches with a rate, an estimate of the time left and
// a free form status such as the running losses.
type Bar struct {
	mu sync.Mutex

	message      string
	messageWidth int

	maxValue     int64
	currentValue int64
	status       string

	started time.Time
}

func NewBar(message string, maxValue int64) *Bar {
	return &Bar{
		message:      message,
		messageWidth: -1,
		maxValue:     maxValue,
		started:      time.Now(),
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}
	return b.render(termWidth, time.Since(b.started))
}

func (b *Bar) render(termWidth int, elapsed time.Duration) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if b.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", b.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	percent := b.percent()
	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(percent))

	fmt.Fprintf(&suf, "%d/%d", b.currentValue, b.maxValue)
	if b.status != "" {
		fmt.Fprintf(&suf, " %s", b.status)
	}

	if b.currentValue > 0 && b.currentValue < b.maxValue && elapsed > 0 {
		rate := float64(b.currentValue) / elapsed.Seconds()
		remaining := time.Duration(float64(b.maxValue-b.currentValue) / rate * float64(time.Second))
		fmt.Fprintf(&suf, " (%.1f/s) [%s:%s]", rate, formatDuration(elapsed), formatDuration(remaining))
	}

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - len([]rune(suf.String())) - 3
	n := int(float64(f) * percent / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏ ")
	}

	return pre.String() + mid.String() + suf.String()
}

func (b *Bar) Set(value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentValue = min(max(value, 0), b.maxValue)
}

// SetStatus replaces the text shown after the counts.
func (b *Bar) SetStatus(status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}

	return 0
}
