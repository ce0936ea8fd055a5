package session

import "time"

// tokenBucket refills at rate tokens per second up to rate*burstSeconds.
type tokenBucket struct {
	rate   int64
	max    int64
	tokens int64
	last   time.Time
}

func newTokenBucket(rate int64, burstSeconds int, now time.Time) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	max := rate * int64(burstSeconds)
	return &tokenBucket{rate: rate, max: max, tokens: max, last: now}
}

func (b *tokenBucket) take(n int64, now time.Time) bool {
	if b == nil {
		return true
	}
	if elapsed := now.Sub(b.last); elapsed > 0 {
		if add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second); add > 0 {
			b.tokens = min(b.tokens+add, b.max)
			b.last = now
		}
	}
	if n < 0 {
		n = 0
	}
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// inboundLimiter caps client media: audio by bytes per second and each video
// source by frames per second. A nil limiter allows everything.
type inboundLimiter struct {
	now        func() time.Time
	audioBytes *tokenBucket
	videoRate  int64
	burst      int
	video      map[string]*tokenBucket
}

func newInboundLimiter(now func() time.Time, audioBPS int64, videoFPS int, burstSeconds int) *inboundLimiter {
	if audioBPS <= 0 && videoFPS <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	return &inboundLimiter{
		now:        now,
		audioBytes: newTokenBucket(audioBPS, burstSeconds, t),
		videoRate:  int64(videoFPS),
		burst:      burstSeconds,
		video:      make(map[string]*tokenBucket),
	}
}

func (l *inboundLimiter) AllowAudio(frameBytes int) bool {
	if l == nil {
		return true
	}
	return l.audioBytes.take(int64(frameBytes), l.now())
}

func (l *inboundLimiter) AllowVideo(kind string) bool {
	if l == nil || l.videoRate <= 0 {
		return true
	}
	now := l.now()
	b, ok := l.video[kind]
	if !ok {
		b = newTokenBucket(l.videoRate, l.burst, now)
		l.video[kind] = b
	}
	return b.take(1, now)
}
