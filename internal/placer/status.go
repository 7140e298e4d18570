package placer

import "fmt"

// StatusMessage renders a queue status line. Users with bypass (or when no
// hard limit is set) get the form without a percentage.
func StatusMessage(depth, hardLimit int, speed float64, bypass bool) string {
	if speed < 0 {
		speed = 0
	}
	eta := 0.0
	if speed > 0 {
		eta = float64(depth) / speed
	}
	if bypass || hardLimit <= 0 {
		return fmt.Sprintf("%d blocks queued. Placing speed: %.2fbps, %.2fs left.", depth, speed, eta)
	}
	pct := 100 * float64(depth) / float64(hardLimit)
	return fmt.Sprintf("%d out of %d blocks (%.2f%%) queued. Placing speed: %.2fbps, %.2fs left.", depth, hardLimit, pct, speed, eta)
}
