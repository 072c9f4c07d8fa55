package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/videotuna/wanvideo/format"
)

// StepBar displays denoising progress with the mean time per step.
type StepBar struct {
	mu      sync.Mutex
	message string
	current int
	total   int
	started time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = min(current, s.total)
}

func (s *StepBar) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var percent float64
	if s.total > 0 {
		percent = float64(s.current) / float64(s.total) * 100
	}

	// "Sampling  40% ▕████      ▏ 4/10 2.31s/it"
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %3.0f%% %s %d/%d", s.message, percent, meter(min(s.total, 50)+2, percent), s.current, s.total)
	if s.current > 0 {
		fmt.Fprintf(&sb, " %s", format.PerStep(time.Since(s.started), s.current))
	}
	return sb.String()
}
