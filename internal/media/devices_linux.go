//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
)

// Devices captures from V4L2 cameras and ALSA/Pulse microphones through
// pion/mediadevices, encoding VP8 video and Opus audio.
type Devices struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

func NewDevices(opts Options) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if opts.VideoBitrate > 0 {
		vpxParams.BitRate = opts.VideoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateCodecs registers the encoders' codecs on a media engine so
// negotiated payload types match what the tracks produce.
func (d *Devices) PopulateCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *Devices) Enumerate() []Device {
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		dev := Device{ID: info.DeviceID, Label: info.Label}
		switch info.Kind {
		case mediadevices.VideoInput:
			dev.Kind = KindVideo
		case mediadevices.AudioInput:
			dev.Kind = KindAudio
		default:
			continue
		}
		out = append(out, dev)
	}
	return out
}

// preferred returns the device ID whose label contains want, or "".
func (d *Devices) preferred(kind Kind, want string) string {
	want = strings.ToLower(strings.TrimSpace(want))
	if want == "" {
		return ""
	}
	for _, dev := range d.Enumerate() {
		if dev.Kind == kind && strings.Contains(strings.ToLower(dev.Label), want) {
			return dev.ID
		}
	}
	log.Warnw("preferred device not found, using default", "kind", kind, "label", want)
	return ""
}

type captureResult struct {
	stream *Stream
	err    error
}

// Acquire opens the requested devices. GetUserMedia fails as a unit when any
// requested track cannot be opened, so when both kinds are requested a
// missing camera or microphone falls back to the kind that works.
//
// There is no timeout: if ctx ends first, the capture is abandoned and any
// stream that shows up later is released.
func (d *Devices) Acquire(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("%w: nothing requested", ErrDeviceUnavailable)
	}

	res := make(chan captureResult, 1)
	go func() {
		s, err := d.capture(c)
		res <- captureResult{s, err}
	}()

	select {
	case r := <-res:
		return r.stream, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.stream != nil {
				r.stream.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *Devices) capture(c Constraints) (*Stream, error) {
	attempts := []Constraints{c}
	if c.Video && c.Audio {
		attempts = append(attempts, Constraints{Video: true}, Constraints{Audio: true})
	}

	var firstErr error
	for _, a := range attempts {
		s, err := d.open(a)
		if err == nil {
			return s, nil
		}
		log.Warnw("GetUserMedia failed", "video", a.Video, "audio", a.Audio, "err", err)
		if firstErr == nil || errors.Is(err, ErrPermissionDenied) {
			firstErr = err
		}
	}
	return nil, firstErr
}

func (d *Devices) open(a Constraints) (*Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if a.Video {
		camID := d.preferred(KindVideo, d.opts.PreferredCam)
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			if camID != "" {
				c.DeviceID = camID
			}
			// Raw formats only: some cameras expose an MJPEG node whose frames
			// break the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if d.opts.MaxWidth > 0 {
				c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
			}
			if d.opts.MaxHeight > 0 {
				c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		}
	}
	if a.Audio {
		micID := d.preferred(KindAudio, d.opts.PreferredMic)
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			if micID != "" {
				c.DeviceID = micID
			}
		}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	raw := ms.GetTracks()
	tracks := make([]Track, 0, len(raw))
	var selfView SelfView
	for _, t := range raw {
		dt := newDeviceTrack(t)
		if dt.kind == KindVideo {
			r, err := t.NewEncodedReader(webrtc.MimeTypeVP8)
			if err != nil {
				// A broken encoder poisons negotiation; drop the whole attempt.
				for _, t := range raw {
					_ = t.Close()
				}
				return nil, fmt.Errorf("%w: video encoder: %v", ErrDeviceUnavailable, err)
			}
			selfView = &vp8SelfView{r: r}
		}
		tracks = append(tracks, dt)
	}
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	log.Infow("local media captured", "video", a.Video, "audio", a.Audio, "tracks", len(tracks))
	return NewStream(tracks...).WithSelfView(selfView), nil
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// deviceTrack wraps a mediadevices track with an enabled flag consulted by a
// reader transform installed at capture time.
type deviceTrack struct {
	t       mediadevices.Track
	kind    Kind
	enabled atomic.Bool
	once    sync.Once
}

func newDeviceTrack(t mediadevices.Track) *deviceTrack {
	dt := &deviceTrack{t: t, kind: KindAudio}
	dt.enabled.Store(true)

	switch tt := t.(type) {
	case *mediadevices.VideoTrack:
		dt.kind = KindVideo
		tt.Transform(dt.videoMute)
	case *mediadevices.AudioTrack:
		tt.Transform(dt.audioMute)
	default:
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			dt.kind = KindVideo
		}
	}
	t.OnEnded(func(err error) {
		if err != nil {
			log.Warnw("local track ended", "track", t.ID(), "err", err)
		}
	})
	return dt
}

func (d *deviceTrack) ID() string               { return d.t.ID() }
func (d *deviceTrack) Kind() Kind               { return d.kind }
func (d *deviceTrack) Enabled() bool            { return d.enabled.Load() }
func (d *deviceTrack) SetEnabled(on bool)       { d.enabled.Store(on) }
func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }

func (d *deviceTrack) Stop() {
	d.once.Do(func() { _ = d.t.Close() })
}

func (d *deviceTrack) videoMute(r video.Reader) video.Reader {
	var black *image.YCbCr
	return video.ReaderFunc(func() (image.Image, func(), error) {
		img, release, err := r.Read()
		if err != nil || d.enabled.Load() {
			return img, release, err
		}
		if release != nil {
			release()
		}
		if black == nil || black.Rect != img.Bounds() {
			black = blackFrame(img.Bounds())
		}
		return black, func() {}, nil
	})
}

func (d *deviceTrack) audioMute(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil || d.enabled.Load() {
			return chunk, release, err
		}
		if release != nil {
			release()
		}
		return wave.NewInt16Interleaved(chunk.ChunkInfo()), func() {}, nil
	})
}

func blackFrame(r image.Rectangle) *image.YCbCr {
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

// vp8SelfView wraps an encoded VP8 reader as a SelfView.
type vp8SelfView struct{ r mediadevices.EncodedReadCloser }

func (s *vp8SelfView) ReadFrame() ([]byte, func(), error) {
	buf, rel, err := s.r.Read()
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, rel, nil
}

func (s *vp8SelfView) Close() error { return s.r.Close() }
