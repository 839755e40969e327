package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrPermissionDenied is returned when the user refuses microphone access.
var ErrPermissionDenied = errors.New("microphone permission denied")

// Capturer acquires the local audio for one call.
type Capturer interface {
	Acquire(ctx context.Context) (*LocalStream, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(ctx context.Context) (*LocalStream, error)

func (f CapturerFunc) Acquire(ctx context.Context) (*LocalStream, error) { return f(ctx) }

// LocalStream is a set of captured tracks plus the function that releases
// the underlying device.
type LocalStream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

// NewLocalStream wraps tracks. stop may be nil.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{tracks: tracks, stop: stop}
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// Stop releases the capture. Only the first call has an effect.
func (s *LocalStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceCapturer produces an Opus track that carries silence. It stands in
// for a microphone on headless hosts.
type SilenceCapturer struct{}

func (SilenceCapturer) Acquire(ctx context.Context) (*LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"gc-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: frameDuration}); err != nil {
					log.Debug("silence frame: %v", err)
				}
			case <-done:
				return
			}
		}
	}()

	return NewLocalStream([]webrtc.TrackLocal{track}, func() { close(done) }), nil
}

// DeniedCapturer always fails with ErrPermissionDenied.
type DeniedCapturer struct{}

func (DeniedCapturer) Acquire(context.Context) (*LocalStream, error) {
	return nil, ErrPermissionDenied
}
