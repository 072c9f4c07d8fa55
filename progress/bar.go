package progress

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Bar tracks a counted task such as writing frames. It renders the count
// with unit, the rate and the remaining time.
type Bar struct {
	mu sync.Mutex

	message string
	unit    string
	width   int

	maxValue     int64
	currentValue int64

	started time.Time
}

func NewBar(message, unit string, maxValue int64) *Bar {
	return &Bar{
		message:  message,
		unit:     unit,
		width:    defaultTermWidth,
		maxValue: maxValue,
		started:  time.Now(),
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

func (b *Bar) Set(value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentValue = min(value, b.maxValue)
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}
	return 0
}

// remaining extrapolates the time left from the average rate so far.
func (b *Bar) remaining(elapsed time.Duration) time.Duration {
	if b.currentValue <= 0 || b.currentValue >= b.maxValue {
		return 0
	}
	per := float64(elapsed) / float64(b.currentValue)
	return time.Duration(math.Round(per * float64(b.maxValue-b.currentValue)))
}

func (b *Bar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := time.Since(b.started)

	var pre, suf strings.Builder
	if b.message != "" {
		pre.WriteString(strings.TrimSpace(b.message))
		pre.WriteString(" ")
	}
	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, " %d/%d", b.currentValue, b.maxValue)
	if b.unit != "" {
		fmt.Fprintf(&suf, " %s", b.unit)
	}
	if b.currentValue > 0 && b.currentValue < b.maxValue {
		fmt.Fprintf(&suf, " [%s:%s]", formatDuration(elapsed), formatDuration(b.remaining(elapsed)))
	}

	return pre.String() + meter(b.width-pre.Len()-suf.Len(), b.percent()) + suf.String()
}

// meter draws a bar of the given outer width filled to percent.
func meter(width int, percent float64) string {
	inner := width - 2
	if inner <= 0 {
		return ""
	}
	n := min(inner, int(float64(inner)*percent/100))
	return "▕" + strings.Repeat("█", n) + strings.Repeat(" ", inner-n) + "▏"
}
