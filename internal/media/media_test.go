package media

import (
	"sync/atomic"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

type fakeTrack struct {
	id      string
	kind    Kind
	enabled atomic.Bool
	stops   atomic.Int32
}

func newFakeTrack(id string, k Kind) *fakeTrack {
	t := &fakeTrack{id: id, kind: k}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string               { return t.id }
func (t *fakeTrack) Kind() Kind               { return t.kind }
func (t *fakeTrack) Enabled() bool            { return t.enabled.Load() }
func (t *fakeTrack) SetEnabled(on bool)       { t.enabled.Store(on) }
func (t *fakeTrack) Stop()                    { t.stops.Add(1) }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeSelfView struct{ closed atomic.Int32 }

func (f *fakeSelfView) ReadFrame() ([]byte, func(), error) { return nil, func() {}, nil }
func (f *fakeSelfView) Close() error                       { f.closed.Add(1); return nil }

func TestReleaseStopsEachTrackOnce(t *testing.T) {
	v, a := newFakeTrack("v", KindVideo), newFakeTrack("a", KindAudio)
	sv := &fakeSelfView{}
	s := NewStream(v, a).WithSelfView(sv)

	for i := 0; i < 3; i++ {
		s.Release()
	}
	assert.True(t, s.Released())
	assert.EqualValues(t, 1, v.stops.Load())
	assert.EqualValues(t, 1, a.stops.Load())
	assert.EqualValues(t, 1, sv.closed.Load())
}

func TestSetEnabledFlipsOnlyOneKind(t *testing.T) {
	v, a := newFakeTrack("v", KindVideo), newFakeTrack("a", KindAudio)
	s := NewStream(v, a)

	assert.Equal(t, 1, s.SetEnabled(KindAudio, false))
	assert.False(t, s.Enabled(KindAudio))
	assert.True(t, s.Enabled(KindVideo))

	assert.Equal(t, 1, s.SetEnabled(KindAudio, true))
	assert.True(t, a.Enabled())
}

func TestStreamWithoutVideo(t *testing.T) {
	s := NewStream(newFakeTrack("a", KindAudio))
	assert.False(t, s.Has(KindVideo))
	assert.True(t, s.Has(KindAudio))
	assert.Equal(t, 0, s.SetEnabled(KindVideo, false))
	_, ok := s.SelfView()
	assert.False(t, ok)
	assert.Len(t, s.Tracks(), 1)
}
