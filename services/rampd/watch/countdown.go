package watch

import (
	"fmt"
	"time"
)

// FormatCountdown renders a remaining duration as MM:SS. Negative values
// render as 00:00; hours fold into the minutes.
func FormatCountdown(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	secs := int64(remaining / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
