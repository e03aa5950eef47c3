package haptic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/wav"
)

const (
	toneSampleRate = 8000
	toneFrequency  = 160.0 // Hz, low enough to feel through a transducer
	toneLength     = toneSampleRate / 2
)

// Clip is a mono float32 waveform normalized to [-1.0, 1.0].
type Clip struct {
	Samples    []float32
	SampleRate uint32
}

// AudioPlayer drives a haptic transducer through the default audio output.
// Each pattern maps to a WAV clip that loops until Stop; patterns without a
// clip fall back to a fixed low tone.
type AudioPlayer struct {
	ctx   *malgo.AllocatedContext
	clips map[string]Clip
	tone  Clip

	mu     sync.Mutex // guards device
	device *malgo.Device

	// The audio callback only takes bufMu, so Uninit under mu cannot
	// deadlock against it.
	bufMu sync.Mutex
	clip  Clip
	gain  float32
	pos   int
}

// NewAudioPlayer loads the pattern clips (name -> WAV path) and opens an audio
// context. Call Close() when done.
func NewAudioPlayer(patterns map[string]string) (*AudioPlayer, error) {
	clips := make(map[string]Clip, len(patterns))
	for name, path := range patterns {
		c, err := LoadClip(path)
		if err != nil {
			return nil, fmt.Errorf("haptic: pattern %q: %w", name, err)
		}
		clips[name] = c
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("haptic: initializing audio context: %w", err)
	}

	return &AudioPlayer{
		ctx:   ctx,
		clips: clips,
		tone:  sineClip(toneFrequency, toneSampleRate, toneLength),
	}, nil
}

// Play starts looping the clip for p, replacing any clip already playing.
func (a *AudioPlayer) Play(p Pattern) error {
	clip, ok := a.clips[p.Name]
	if !ok {
		clip = a.tone
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()

	if gain(p.Intensity) == 0 {
		return nil
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceCfg.Playback.Format = malgo.FormatF32
	deviceCfg.Playback.Channels = 1
	deviceCfg.SampleRate = clip.SampleRate

	a.bufMu.Lock()
	a.clip = clip
	a.gain = gain(p.Intensity)
	a.pos = 0
	a.bufMu.Unlock()

	device, err := malgo.InitDevice(a.ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: a.onData,
	})
	if err != nil {
		return fmt.Errorf("haptic: initializing playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("haptic: starting playback device: %w", err)
	}
	a.device = device

	slog.Debug("[HAPTIC] playing", "pattern", p.Name, "intensity", p.Intensity)
	return nil
}

// Stop silences playback. Stopping when idle is a no-op.
func (a *AudioPlayer) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
	return nil
}

// Close releases all audio resources.
func (a *AudioPlayer) Close() error {
	a.mu.Lock()
	a.stopLocked()
	a.mu.Unlock()

	if a.ctx != nil {
		if err := a.ctx.Uninit(); err != nil {
			return fmt.Errorf("haptic: uninitializing audio context: %w", err)
		}
		a.ctx.Free()
	}
	return nil
}

func (a *AudioPlayer) stopLocked() {
	if a.device != nil {
		a.device.Uninit()
		a.device = nil
	}
}

// onData is the malgo playback callback. It fills pOutput with little-endian
// float32 frames from the current clip.
func (a *AudioPlayer) onData(pOutput, _ []byte, frameCount uint32) {
	a.bufMu.Lock()
	a.pos = fillFrames(pOutput, frameCount, a.clip.Samples, a.pos, a.gain)
	a.bufMu.Unlock()
}

// fillFrames writes frameCount mono frames into out, looping samples from pos
// and scaling by gain. It returns the next read position.
func fillFrames(out []byte, frameCount uint32, samples []float32, pos int, gain float32) int {
	for i := uint32(0); i < frameCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(out)) {
			break
		}
		var v float32
		if len(samples) > 0 {
			if pos >= len(samples) {
				pos = 0
			}
			v = samples[pos] * gain
			pos++
		}
		binary.LittleEndian.PutUint32(out[offset:offset+4], math.Float32bits(v))
	}
	return pos
}

// LoadClip decodes a PCM WAV file into a mono clip. Multi-channel audio is
// averaged down to one channel.
func LoadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("opening clip: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("%s is not a valid WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decoding WAV: %w", err)
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int(1) << (depth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c])
		}
		samples[i] = sum / float32(channels) / scale
	}

	return Clip{Samples: samples, SampleRate: uint32(buf.Format.SampleRate)}, nil
}

// sineClip builds a one-shot sine wave used when a pattern has no clip.
func sineClip(freq float64, sampleRate uint32, n int) Clip {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate)))
	}
	return Clip{Samples: samples, SampleRate: sampleRate}
}
