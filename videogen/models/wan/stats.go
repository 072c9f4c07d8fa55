package wan

import (
	"log/slog"
	"time"

	"github.com/videotuna/wanvideo/ml"
)

// runStats times the stages of one call and records accelerator memory.
type runStats struct {
	accel  ml.Accelerator
	start  time.Time
	last   time.Time
	stages []slog.Attr
}

func newRunStats(accel ml.Accelerator) *runStats {
	now := time.Now()
	return &runStats{accel: accel, start: now, last: now}
}

// mark closes the current stage under name.
func (s *runStats) mark(name string) {
	now := time.Now()
	s.stages = append(s.stages, slog.Duration(name, now.Sub(s.last)))
	s.last = now
}

func (s *runStats) log(msg string, args ...any) {
	args = append(args,
		"elapsed", time.Since(s.start),
		slog.Attr{Key: "stages", Value: slog.GroupValue(s.stages...)},
		slog.Any("memory", s.accel.MemoryStats()),
	)
	slog.Info(msg, args...)
}
