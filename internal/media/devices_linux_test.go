//go:build linux

package media

import (
	"image"
	"testing"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioMuteYieldsSilence(t *testing.T) {
	dt := &deviceTrack{kind: KindAudio}
	dt.enabled.Store(true)

	src := wave.NewInt16Interleaved(wave.ChunkInfo{Len: 4, Channels: 1, SamplingRate: 48000})
	for i := range src.Data {
		src.Data[i] = 1000
	}
	r := dt.audioMute(audio.ReaderFunc(func() (wave.Audio, func(), error) {
		return src, func() {}, nil
	}))

	chunk, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, src, chunk)

	dt.SetEnabled(false)
	chunk, _, err = r.Read()
	require.NoError(t, err)
	silent, ok := chunk.(*wave.Int16Interleaved)
	require.True(t, ok)
	assert.Equal(t, src.ChunkInfo(), silent.ChunkInfo())
	for _, s := range silent.Data {
		assert.Zero(t, s)
	}
}

func TestVideoMuteYieldsBlackFrames(t *testing.T) {
	dt := &deviceTrack{kind: KindVideo}
	dt.enabled.Store(false)

	bounds := image.Rect(0, 0, 8, 6)
	released := 0
	r := dt.videoMute(video.ReaderFunc(func() (image.Image, func(), error) {
		return image.NewRGBA(bounds), func() { released++ }, nil
	}))

	img, _, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	ycc, ok := img.(*image.YCbCr)
	require.True(t, ok)
	assert.Equal(t, bounds, ycc.Rect)
	assert.EqualValues(t, 16, ycc.Y[0])
	assert.EqualValues(t, 128, ycc.Cb[0])
}
