package capture

import (
	"context"
	"time"

	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

// RunProgress calls emit every interval with the elapsed time and the value
// of counter, independent of frame arrival, until ctx is done.
// A non-positive interval disables progress reporting.
func RunProgress(ctx context.Context, interval time.Duration, counter func() uint64, emit func(types.ProgressEvent)) error {
	if interval <= 0 || emit == nil {
		return nil
	}

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			emit(types.ProgressEvent{
				Elapsed:     now.Sub(start),
				FrameNumber: counter(),
			})
		}
	}
}
