package serialmux

import (
	"context"

	"github.com/banshee-data/parsight/internal/monitoring"
	"github.com/banshee-data/parsight/internal/pose"
)

// PoseFeed decodes the pose and command lines arriving on a link. The vicon
// and realsense bridges speak the same line format, so one feed serves both.
type PoseFeed struct {
	link Mux
}

// NewPoseFeed returns a feed reading from link. The link's Monitor must be
// running for lines to arrive.
func NewPoseFeed(link Mux) *PoseFeed {
	return &PoseFeed{link: link}
}

// Poses yields every well-formed pose line until ctx is done or the link is
// closed. Malformed lines are logged and skipped.
func (f *PoseFeed) Poses(ctx context.Context) (<-chan pose.Pose, error) {
	out := make(chan pose.Pose)
	f.relay(ctx, LineTypePose, func(line string) bool {
		p, err := DecodePose(line)
		if err != nil {
			monitoring.Logf("serialmux: dropping pose line: %v", err)
			return true
		}
		select {
		case out <- p:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	return out, nil
}

// Commands yields the trigger name of every command line.
func (f *PoseFeed) Commands(ctx context.Context) (<-chan string, error) {
	out := make(chan string)
	f.relay(ctx, LineTypeCommand, func(line string) bool {
		name, err := DecodeCommand(line)
		if err != nil {
			monitoring.Logf("serialmux: dropping command line: %v", err)
			return true
		}
		select {
		case out <- name:
			return true
		case <-ctx.Done():
			return false
		}
	}, func() { close(out) })
	return out, nil
}

// relay subscribes to the link and calls handle for each line of lineType
// until handle returns false, ctx is done or the subscription closes.
func (f *PoseFeed) relay(ctx context.Context, lineType string, handle func(string) bool, done func()) {
	id, lines := f.link.Subscribe()
	go func() {
		defer done()
		defer f.link.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if ClassifyLine(line) != lineType {
					continue
				}
				if !handle(line) {
					return
				}
			}
		}
	}()
}
