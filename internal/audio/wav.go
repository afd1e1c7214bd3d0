package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
)

const formatPCM = 1

type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// Inspect reads the RIFF headers of a PCM WAV file.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return Info{}, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if d.WavAudioFormat != formatPCM {
		return Info{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, d.WavAudioFormat)
	}

	duration, err := d.Duration()
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}

	return Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Duration:   duration,
	}, nil
}

type SilenceMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// IsSilentWAV reports whether the RMS level is at or below thresholdDBFS and
// the peak stays within 6 dB of it.
func IsSilentWAV(path string, thresholdDBFS float64) (bool, SilenceMetrics, error) {
	metrics, err := analyzeWAV(path)
	if err != nil {
		return false, SilenceMetrics{}, err
	}

	if metrics.Samples == 0 {
		return true, metrics, nil
	}
	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics, nil
	}

	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics, nil
}

// analysisChunkSamples bounds the decode buffer so long recordings are
// measured in constant memory.
var analysisChunkSamples = 64 * 1024

func analyzeWAV(path string) (SilenceMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return SilenceMetrics{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return SilenceMetrics{}, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	if d.WavAudioFormat != formatPCM {
		return SilenceMetrics{}, fmt.Errorf("%w: audio format %d", ErrUnsupportedWAV, d.WavAudioFormat)
	}

	meter, err := newLevelMeter(int(d.BitDepth))
	if err != nil {
		return SilenceMetrics{}, err
	}

	buf := &goaudio.IntBuffer{
		Format:         d.Format(),
		Data:           make([]int, analysisChunkSamples),
		SourceBitDepth: int(d.BitDepth),
	}
	for {
		n, err := d.PCMBuffer(buf)
		if err != nil {
			return SilenceMetrics{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		if n == 0 {
			break
		}
		meter.add(buf.Data[:n])
	}

	return meter.metrics(), nil
}

// levelMeter accumulates peak and RMS levels across all channels.
type levelMeter struct {
	normalize  func(int) float64
	peak       float64
	sumSquares float64
	samples    int64
}

func newLevelMeter(bitDepth int) (*levelMeter, error) {
	normalize, err := sampleNormalizer(bitDepth)
	if err != nil {
		return nil, err
	}
	return &levelMeter{normalize: normalize}, nil
}

func (m *levelMeter) add(data []int) {
	for _, sample := range data {
		value := m.normalize(sample)
		if abs := math.Abs(value); abs > m.peak {
			m.peak = abs
		}
		m.sumSquares += value * value
	}
	m.samples += int64(len(data))
}

func (m *levelMeter) metrics() SilenceMetrics {
	if m.samples == 0 {
		return SilenceMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}
	rms := math.Sqrt(m.sumSquares / float64(m.samples))
	return SilenceMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(m.peak),
		Samples:  m.samples,
	}
}

func sampleNormalizer(bitDepth int) (func(int) float64, error) {
	switch bitDepth {
	case 8:
		return func(v int) float64 { return (float64(v) - 128.0) / 128.0 }, nil
	case 16, 24, 32:
		scale := float64(int64(1) << (bitDepth - 1))
		return func(v int) float64 { return float64(v) / scale }, nil
	default:
		return nil, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedWAV, bitDepth)
	}
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
