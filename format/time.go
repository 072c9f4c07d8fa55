package format

import (
	"fmt"
	"strings"
	"time"
)

// ExactDuration renders d as hours, minutes and seconds, or milliseconds
// below one second.
func ExactDuration(d time.Duration) string {
	if d < time.Second {
		if d.Milliseconds() == 1 {
			return "1 millisecond"
		}
		return fmt.Sprintf("%d milliseconds", d.Milliseconds())
	}

	d = d.Round(time.Second)
	parts := []struct {
		n    int64
		unit string
	}{
		{int64(d / time.Hour), "hour"},
		{int64(d % time.Hour / time.Minute), "minute"},
		{int64(d % time.Minute / time.Second), "second"},
	}

	var sb strings.Builder
	for _, p := range parts {
		if p.n == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d %s", p.n, p.unit)
		if p.n != 1 {
			sb.WriteByte('s')
		}
	}
	return sb.String()
}

// PerStep renders the mean duration of one of n steps.
func PerStep(total time.Duration, n int) string {
	if n <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.2fs/it", (total / time.Duration(n)).Seconds())
}
