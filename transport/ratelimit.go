package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimitedLink delays outbound frames so the link stays within the
// limiter's byte rate.
type rateLimitedLink struct {
	Link
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
}

// WithRateLimit wraps link so that Send waits for limiter tokens, one
// token per byte. Frames larger than the limiter burst are charged in
// burst-sized steps. Closing the returned link aborts pending waits.
func WithRateLimit(link Link, limiter *rate.Limiter) Link {
	if limiter == nil {
		return link
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &rateLimitedLink{Link: link, limiter: limiter, ctx: ctx, cancel: cancel}
}

// NewByteLimiter returns a limiter allowing bytesPerSecond with a burst
// of one full frame.
func NewByteLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := DefaultMaxFrameSize
	if bytesPerSecond > burst {
		burst = bytesPerSecond
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (l *rateLimitedLink) Send(frame []byte) error {
	remaining := len(frame)
	burst := l.limiter.Burst()
	for remaining > 0 {
		n := remaining
		if burst > 0 && n > burst {
			n = burst
		}
		if err := l.limiter.WaitN(l.ctx, n); err != nil {
			if l.ctx.Err() != nil {
				return ErrClosed
			}
			return err
		}
		remaining -= n
	}
	return l.Link.Send(frame)
}

func (l *rateLimitedLink) Close() error {
	l.cancel()
	return l.Link.Close()
}
