// Package audiotest writes WAV fixtures for tests that fake transcoder output.
package audiotest

import (
	"os"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

const pcmFormat = 1

// WritePCM16 encodes samples as an interleaved 16-bit PCM WAV at path.
func WritePCM16(t testing.TB, path string, samples []int16, sampleRate, channels int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, pcmFormat)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}
