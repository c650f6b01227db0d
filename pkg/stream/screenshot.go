package stream

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/logging"
)

// DefaultInterval is the screenshot polling period.
const DefaultInterval = 100 * time.Millisecond

// Screenshotter captures a session's viewport as a data URL.
type Screenshotter interface {
	Screenshot(ctx context.Context, id string) (string, error)
}

// ScreenshotStreamer polls a session's screenshot on a fixed interval and
// hands every frame to publish. Capture errors are skipped.
type ScreenshotStreamer struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

// StartScreenshotStreamer begins polling in the background.
func StartScreenshotStreamer(id string, shots Screenshotter, interval time.Duration, publish func(*Frame)) *ScreenshotStreamer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ScreenshotStreamer{
		sessionID: id,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.loop(ctx, shots, interval, publish)
	return s
}

func (s *ScreenshotStreamer) loop(ctx context.Context, shots Screenshotter, interval time.Duration, publish func(*Frame)) {
	defer close(s.done)
	logger := logging.NewLogger("stream").With("session", s.sessionID)
	logger.Infof("Started screenshot streaming every %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Stopped screenshot streaming")
			return
		case <-ticker.C:
			data, err := shots.Screenshot(ctx, s.sessionID)
			if err != nil {
				continue
			}
			publish(&Frame{SessionID: s.sessionID, Mode: ModeScreenshot, Data: data})
		}
	}
}

// Mode returns ModeScreenshot.
func (s *ScreenshotStreamer) Mode() string {
	return ModeScreenshot
}

// Stop ends polling and waits for the loop to exit.
func (s *ScreenshotStreamer) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}
