package media

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"time"

	"github.com/pion/rtp"
)

const (
	// PCMU framing: 160 samples per 20 ms at 8 kHz, one byte each.
	payloadType   = 0
	frameSamples  = 160
	frameDuration = 20 * time.Millisecond
	ulawSilence   = 0x7F
)

// Player streams a μ-law payload as paced RTP to one remote endpoint. Each
// player owns its UDP socket for the duration of the stream.
type Player struct {
	localPort int
	remote    *net.UDPAddr
	logger    *slog.Logger
}

// NewPlayer creates a player emitting from localPort to remote.
func NewPlayer(localPort int, remote *net.UDPAddr, logger *slog.Logger) *Player {
	return &Player{
		localPort: localPort,
		remote:    remote,
		logger:    logger.With("subsystem", "media"),
	}
}

// PlayFile streams a WAV file, capped at maxDuration when positive.
func (p *Player) PlayFile(ctx context.Context, wavPath string, maxDuration time.Duration) error {
	payload, err := LoadPCMU(wavPath)
	if err != nil {
		return fmt.Errorf("loading media %s: %w", wavPath, err)
	}
	return p.Play(ctx, payload, maxDuration)
}

// Play packetises the μ-law stream into 160-byte frames and emits them on
// the 20 ms grid. Emission uses absolute deadlines from the stream start,
// not cumulative sleeps, so jitter does not accumulate into drift. The
// socket is closed before return.
func (p *Player) Play(ctx context.Context, ulaw []byte, maxDuration time.Duration) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: p.localPort})
	if err != nil {
		return fmt.Errorf("binding rtp port %d: %w", p.localPort, err)
	}
	defer conn.Close()

	frames := splitFrames(ulaw)
	if maxDuration > 0 {
		if limit := int(maxDuration / frameDuration); limit < len(frames) {
			frames = frames[:limit]
		}
	}

	ssrc := rand.Uint32()
	seq := uint16(rand.Intn(1 << 16))
	timestamp := rand.Uint32()

	p.logger.Info("rtp stream starting",
		"local_port", p.localPort,
		"remote", p.remote.String(),
		"frames", len(frames),
		"duration", (time.Duration(len(frames)) * frameDuration).String(),
	)

	start := time.Now()
	for k, frame := range frames {
		deadline := start.Add(time.Duration(k) * frameDuration)
		if wait := time.Until(deadline); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				p.logger.Debug("rtp stream cancelled", "frames_sent", k)
				return ctx.Err()
			case <-timer.C:
			}
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: seq,
				Timestamp:      timestamp,
				SSRC:           ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshalling rtp packet: %w", err)
		}
		if _, err := conn.WriteToUDP(data, p.remote); err != nil {
			return fmt.Errorf("sending rtp packet: %w", err)
		}

		seq++                     // wraps mod 2^16
		timestamp += frameSamples // wraps mod 2^32
	}

	p.logger.Info("rtp stream finished", "frames_sent", len(frames), "elapsed", time.Since(start).String())
	return nil
}

// splitFrames slices the stream into 160-byte payloads, padding a short
// final frame with μ-law silence.
func splitFrames(ulaw []byte) [][]byte {
	if len(ulaw) == 0 {
		return nil
	}
	n := (len(ulaw) + frameSamples - 1) / frameSamples
	frames := make([][]byte, 0, n)
	for off := 0; off < len(ulaw); off += frameSamples {
		end := off + frameSamples
		if end <= len(ulaw) {
			frames = append(frames, ulaw[off:end])
			continue
		}
		last := make([]byte, frameSamples)
		copy(last, ulaw[off:])
		for i := len(ulaw) - off; i < frameSamples; i++ {
			last[i] = ulawSilence
		}
		frames = append(frames, last)
	}
	return frames
}
