package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RTCPStats summarises one batch of RTCP packets from a remote receiver.
type RTCPStats struct {
	TrackID    string
	PacketLoss float64 // 0-1
	Jitter     uint32  // in RTP timestamp units
	Reports    int
	Timestamp  time.Time
}

// RemoteStream collects the tracks received from the peer and drains them
// so the receive buffers never fill up.
type RemoteStream struct {
	logger *zap.SugaredLogger
	onRTCP func(RTCPStats)

	mu        sync.Mutex
	tracks    []*webrtc.TrackRemote
	receivers []*webrtc.RTPReceiver
	stopped   bool
	bytesRead uint64

	wg sync.WaitGroup
}

func NewRemoteStream(logger *zap.SugaredLogger, onRTCP func(RTCPStats)) *RemoteStream {
	return &RemoteStream{logger: logger, onRTCP: onRTCP}
}

// AddTrack registers a peer track. Readers are only started when a
// receiver is present.
func (r *RemoteStream) AddTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		if receiver != nil {
			_ = receiver.Stop()
		}
		return
	}

	r.tracks = append(r.tracks, track)
	if receiver == nil {
		return
	}
	r.receivers = append(r.receivers, receiver)

	r.wg.Add(2)
	go r.drainRTP(track)
	go r.readRTCP(track.ID(), receiver)
}

func (r *RemoteStream) TrackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracks)
}

func (r *RemoteStream) BytesRead() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesRead
}

// Stop stops every receiver and waits for the readers to exit.
func (r *RemoteStream) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	receivers := r.receivers
	r.receivers = nil
	r.tracks = nil
	r.mu.Unlock()

	for _, receiver := range receivers {
		if err := receiver.Stop(); err != nil {
			r.logger.Debugw("failed to stop receiver", "error", err)
		}
	}
	r.wg.Wait()
}

func (r *RemoteStream) drainRTP(track *webrtc.TrackRemote) {
	defer r.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.bytesRead += uint64(n)
		r.mu.Unlock()
	}
}

func (r *RemoteStream) readRTCP(trackID string, receiver *webrtc.RTPReceiver) {
	defer r.wg.Done()

	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		stats, ok := summarizeRTCP(trackID, packets)
		if !ok {
			continue
		}
		r.logger.Debugw("remote RTCP report",
			"track_id", trackID,
			"packet_loss", stats.PacketLoss,
			"jitter", stats.Jitter,
		)
		if r.onRTCP != nil {
			r.onRTCP(stats)
		}
	}
}

// summarizeRTCP averages reception reports across a batch of packets.
func summarizeRTCP(trackID string, packets []rtcp.Packet) (RTCPStats, bool) {
	var (
		totalLoss   uint32
		totalJitter uint32
		count       int
	)

	for _, packet := range packets {
		var reports []rtcp.ReceptionReport
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			reports = p.Reports
		case *rtcp.SenderReport:
			reports = p.Reports
		default:
			continue
		}
		for _, report := range reports {
			totalLoss += uint32(report.FractionLost)
			totalJitter += report.Jitter
			count++
		}
	}

	if count == 0 {
		return RTCPStats{}, false
	}

	return RTCPStats{
		TrackID:    trackID,
		PacketLoss: float64(totalLoss) / float64(count) / 256.0,
		Jitter:     totalJitter / uint32(count),
		Reports:    count,
		Timestamp:  time.Now(),
	}, true
}
