package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pattern is a synthetic capture source that delivers empty frames at the
// configured cadence, paced by a token-bucket limiter so fps retargeting
// takes effect on the very next frame.
type Pattern struct {
	log     *slog.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	width       int
	height      int
	orientation int
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPattern creates a test-pattern source at the given geometry and fps.
// If log is nil, slog.Default() is used.
func NewPattern(width, height, fps int, log *slog.Logger) *Pattern {
	if log == nil {
		log = slog.Default()
	}
	return &Pattern{
		log:     log.With("component", "pattern-source"),
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
		width:   width,
		height:  height,
	}
}

// Start begins paced frame delivery on a source-owned goroutine.
func (p *Pattern) Start(ctx context.Context, deliver FrameHandler) error {
	p.Stop()

	p.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.run(ctx, deliver, done)
	return nil
}

func (p *Pattern) run(ctx context.Context, deliver FrameHandler, done chan struct{}) {
	defer close(done)

	start := time.Now()
	var seq int64
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		p.mu.Lock()
		w, h := p.width, p.height
		if p.orientation == 90 || p.orientation == 270 {
			w, h = h, w
		}
		p.mu.Unlock()

		deliver(Frame{
			Seq:    seq,
			PTS:    int64(time.Since(start)) * 90_000 / int64(time.Second),
			Width:  w,
			Height: h,
		})
		seq++
	}
}

// SetFrameDuration retargets the pacing limiter.
func (p *Pattern) SetFrameDuration(fps int) {
	if fps <= 0 {
		return
	}
	p.limiter.SetLimit(rate.Limit(fps))
	p.log.Debug("frame duration updated", "fps", fps)
}

// SetOrientation applies a capture rotation; 90 and 270 swap the delivered
// frame geometry.
func (p *Pattern) SetOrientation(degrees int) {
	p.mu.Lock()
	p.orientation = degrees
	p.mu.Unlock()
	p.log.Debug("orientation updated", "degrees", degrees)
}

// Stop halts delivery and waits for the capture goroutine to exit.
func (p *Pattern) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
