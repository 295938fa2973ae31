package camera

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/stagescan/internal/debug"
)

// Preview grabs frames for the live view at a fixed interval. It skips
// ticks while paused (a scan owns the camera) or while another operation
// holds the session.
type Preview struct {
	session  *Session
	interval time.Duration

	paused atomic.Bool
	frames atomic.Int64

	mu     sync.RWMutex
	latest []byte // PNG
	at     time.Time
}

// NewPreview creates a preview over session.
func NewPreview(session *Session, interval time.Duration) *Preview {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &Preview{session: session, interval: interval}
}

// Run grabs frames until ctx is done.
func (p *Preview) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Preview) tick(ctx context.Context) {
	if p.paused.Load() {
		return
	}
	img, ok, err := p.session.TryCaptureFrame(ctx)
	if !ok || err != nil {
		if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrFrameIncomplete) {
			debug.Trace("preview: %v", err)
		}
		return
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		debug.Trace("preview encode: %v", err)
		return
	}
	p.mu.Lock()
	p.latest = buf.Bytes()
	p.at = time.Now()
	p.mu.Unlock()
	p.frames.Add(1)
}

// Pause stops grabbing until Resume.
func (p *Preview) Pause() { p.paused.Store(true) }

// Resume restarts grabbing.
func (p *Preview) Resume() { p.paused.Store(false) }

// Paused reports whether the preview is paused.
func (p *Preview) Paused() bool { return p.paused.Load() }

// Frames returns the number of frames grabbed.
func (p *Preview) Frames() int64 { return p.frames.Load() }

// Latest returns the last PNG frame and when it was taken.
func (p *Preview) Latest() ([]byte, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.latest == nil {
		return nil, time.Time{}, false
	}
	return p.latest, p.at, true
}
