package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clicktocall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	opusClockRate   = 48000
	opusPayloadType = 111
	rtpMTU          = 1200
)

// opusSilence is a single Opus frame encoding digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source produces audio-only local streams. Each stream carries one Opus
// track fed with silence frames until stopped, which keeps the RTP path
// alive without a capture device.
type Source struct {
	frameDuration time.Duration
	logger        *zap.SugaredLogger
	onRTCP        func(RTCPStats)
}

type Option func(*Source)

// WithRTCPObserver is invoked with every batch of receiver statistics read
// from remote streams.
func WithRTCPObserver(fn func(RTCPStats)) Option {
	return func(s *Source) { s.onRTCP = fn }
}

func NewSource(frameDuration time.Duration, logger *zap.SugaredLogger, opts ...Option) *Source {
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	s := &Source{frameDuration: frameDuration, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUserMedia returns a started local stream. Video is not supported.
func (s *Source) GetUserMedia(ctx context.Context, constraints ports.MediaConstraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if constraints.Video {
		return nil, fmt.Errorf("video capture is not supported")
	}
	if !constraints.Audio {
		return nil, fmt.Errorf("no media kinds requested")
	}

	streamID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	stream := &LocalStream{
		id:    streamID,
		track: track,
		packetizer: rtp.NewPacketizer(
			rtpMTU,
			opusPayloadType,
			uint32(time.Now().UnixNano()),
			&codecs.OpusPayloader{},
			rtp.NewRandomSequencer(),
			opusClockRate,
		),
		frameDuration: s.frameDuration,
		logger:        s.logger,
		done:          make(chan struct{}),
	}
	stream.wg.Add(1)
	go stream.pump()

	s.logger.Debugw("local audio stream started", "stream_id", streamID)
	return stream, nil
}

// NewRemoteStream returns an empty collector for peer tracks.
func (s *Source) NewRemoteStream() ports.RemoteStream {
	return NewRemoteStream(s.logger, s.onRTCP)
}

// LocalStream is one captured local audio stream.
type LocalStream struct {
	id            string
	track         *webrtc.TrackLocalStaticRTP
	packetizer    rtp.Packetizer
	frameDuration time.Duration
	logger        *zap.SugaredLogger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	packets uint64
}

func (l *LocalStream) ID() string {
	return l.id
}

func (l *LocalStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{l.track}
}

// Stop ends the silence pump. Safe to call more than once.
func (l *LocalStream) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.logger.Debugw("local audio stream stopped", "stream_id", l.id, "packets", l.PacketsWritten())
	})
}

func (l *LocalStream) PacketsWritten() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.packets
}

func (l *LocalStream) pump() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.frameDuration)
	defer ticker.Stop()

	samples := uint32(l.frameDuration.Seconds() * opusClockRate)
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			for _, pkt := range l.packetizer.Packetize(opusSilence, samples) {
				if err := l.track.WriteRTP(pkt); err != nil {
					l.logger.Debugw("failed to write silence frame", "stream_id", l.id, "error", err)
					continue
				}
				l.mu.Lock()
				l.packets++
				l.mu.Unlock()
			}
		}
	}
}
