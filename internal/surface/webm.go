package surface

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// EBML element IDs used by the live WebM stream.
var (
	idEBML            = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion     = []byte{0x42, 0x86}
	idEBMLReadVersion = []byte{0x42, 0xF7}
	idEBMLMaxIDLength = []byte{0x42, 0xF2}
	idEBMLMaxSizeLen  = []byte{0x42, 0xF3}
	idDocType         = []byte{0x42, 0x82}
	idDocTypeVersion  = []byte{0x42, 0x87}
	idDocTypeReadVer  = []byte{0x42, 0x85}
	idSegment         = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo            = []byte{0x15, 0x49, 0xA9, 0x66}
	idTimecodeScale   = []byte{0x2A, 0xD7, 0xB1}
	idMuxingApp       = []byte{0x4D, 0x80}
	idWritingApp      = []byte{0x57, 0x41}
	idTracks          = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry      = []byte{0xAE}
	idTrackNumber     = []byte{0xD7}
	idTrackUID        = []byte{0x73, 0xC5}
	idTrackType       = []byte{0x83}
	idCodecID         = []byte{0x86}
	idCodecPrivate    = []byte{0x63, 0xA2}
	idVideo           = []byte{0xE0}
	idPixelWidth      = []byte{0xB0}
	idPixelHeight     = []byte{0xBA}
	idAudio           = []byte{0xE1}
	idSamplingFreq    = []byte{0xB5}
	idChannels        = []byte{0x9F}
	idCluster         = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode        = []byte{0xE7}
	idSimpleBlock     = []byte{0xA3}
)

// unknownSize marks the live Segment, whose length is never known.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	trackVideo = 1
	trackAudio = 2

	// SimpleBlock timecodes are int16 relative to the cluster.
	maxRelative = 30000

	defaultWidth  = 640
	defaultHeight = 480
)

// opusHead is the OpusHead codec private block for mono 48 kHz.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,                   // version
	0x01,                   // channels
	0x38, 0x01,             // pre-skip 312, LE
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz, LE
	0x00, 0x00,             // gain
	0x00,                   // mapping family
}

// vint encodes an element size. Sizes above 2^28-2 are not produced here.
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{0x80 | byte(v)}
	case v < 0x3FFF:
		return []byte{0x40 | byte(v>>8), byte(v)}
	case v < 0x1FFFFF:
		return []byte{0x20 | byte(v>>16), byte(v >> 8), byte(v)}
	default:
		return []byte{0x10 | byte(v>>24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// uintBytes is v in the fewest big-endian bytes, at least one.
func uintBytes(v uint64) []byte {
	n := 1
	for x := v >> 8; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// element appends one EBML element to buf.
func element(buf *bytes.Buffer, id, body []byte) {
	buf.Write(id)
	buf.Write(vint(uint64(len(body))))
	buf.Write(body)
}

func uintElement(buf *bytes.Buffer, id []byte, v uint64) {
	element(buf, id, uintBytes(v))
}

// nested builds an element whose body is written by fill.
func nested(buf *bytes.Buffer, id []byte, fill func(*bytes.Buffer)) {
	var body bytes.Buffer
	fill(&body)
	element(buf, id, body.Bytes())
}

// initSegment is the EBML header, the open Segment, Info and Tracks.
func initSegment(width, height uint16, withAudio bool) []byte {
	var buf bytes.Buffer
	nested(&buf, idEBML, func(b *bytes.Buffer) {
		uintElement(b, idEBMLVersion, 1)
		uintElement(b, idEBMLReadVersion, 1)
		uintElement(b, idEBMLMaxIDLength, 4)
		uintElement(b, idEBMLMaxSizeLen, 8)
		element(b, idDocType, []byte("webm"))
		uintElement(b, idDocTypeVersion, 2)
		uintElement(b, idDocTypeReadVer, 2)
	})

	buf.Write(idSegment)
	buf.Write(unknownSize)

	nested(&buf, idInfo, func(b *bytes.Buffer) {
		uintElement(b, idTimecodeScale, 1_000_000) // ms
		element(b, idMuxingApp, []byte("goopcall"))
		element(b, idWritingApp, []byte("goopcall"))
	})

	nested(&buf, idTracks, func(b *bytes.Buffer) {
		nested(b, idTrackEntry, func(e *bytes.Buffer) {
			uintElement(e, idTrackNumber, trackVideo)
			uintElement(e, idTrackUID, trackVideo)
			uintElement(e, idTrackType, 1)
			element(e, idCodecID, []byte("V_VP8"))
			nested(e, idVideo, func(v *bytes.Buffer) {
				uintElement(v, idPixelWidth, uint64(width))
				uintElement(v, idPixelHeight, uint64(height))
			})
		})
		if !withAudio {
			return
		}
		nested(b, idTrackEntry, func(e *bytes.Buffer) {
			uintElement(e, idTrackNumber, trackAudio)
			uintElement(e, idTrackUID, trackAudio)
			uintElement(e, idTrackType, 2)
			element(e, idCodecID, []byte("A_OPUS"))
			element(e, idCodecPrivate, opusHead)
			nested(e, idAudio, func(a *bytes.Buffer) {
				freq := make([]byte, 4)
				binary.BigEndian.PutUint32(freq, math.Float32bits(48000))
				element(a, idSamplingFreq, freq)
				uintElement(a, idChannels, 1)
			})
		})
	})
	return buf.Bytes()
}

func simpleBlock(buf *bytes.Buffer, track uint64, rel int16, key bool, frame []byte) {
	head := vint(track)
	body := make([]byte, 0, len(head)+3+len(frame))
	body = append(body, head...)
	body = binary.BigEndian.AppendUint16(body, uint16(rel))
	if key {
		body = append(body, 0x80)
	} else {
		body = append(body, 0x00)
	}
	body = append(body, frame...)
	element(buf, idSimpleBlock, body)
}

// vp8Keyframe reports whether frame starts a VP8 key frame (P bit clear).
func vp8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8Size reads the dimensions from a key frame header.
func vp8Size(frame []byte) (w, h uint16, ok bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF, true
}

type audioFrame struct {
	ms   int64
	data []byte
}

// Muxer turns VP8 and Opus frames into a live WebM stream for any number of
// subscribers. Each video frame flushes one cluster; audio waits for the next
// video frame. Nothing is sent until the first key frame fixes the video size.
type Muxer struct {
	name string

	mu        sync.Mutex
	withAudio bool
	init      []byte
	lastKey   []byte
	audioQ    []audioFrame
	videoBase int64
	videoSet  bool
	audioBase int64
	audioSet  bool
	subs      map[chan []byte]struct{}
	closed    bool
}

func NewMuxer(name string) *Muxer {
	return &Muxer{name: name, subs: make(map[chan []byte]struct{})}
}

// EnableAudio adds the Opus track. It has no effect once the init segment
// went out.
func (m *Muxer) EnableAudio() {
	m.mu.Lock()
	if m.init == nil {
		m.withAudio = true
	}
	m.mu.Unlock()
}

// Started reports whether the init segment exists.
func (m *Muxer) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.init != nil
}

// Subscribe returns a channel of binary WebM messages. A late subscriber
// first gets the init segment and the last key frame cluster.
func (m *Muxer) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 64)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if m.init != nil {
		ch <- m.init
		if m.lastKey != nil {
			ch <- m.lastKey
		}
	}
	m.subs[ch] = struct{}{}
	n := len(m.subs)
	m.mu.Unlock()
	log.Debugw("webm subscriber added", "stream", m.name, "subs", n)

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

// Subscribers reports the number of live subscribers.
func (m *Muxer) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// WriteVideo adds one VP8 frame at ms (any origin; the first frame is zero).
func (m *Muxer) WriteVideo(ms int64, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if !m.videoSet {
		m.videoBase, m.videoSet = ms, true
	}
	ts := ms - m.videoBase
	key := vp8Keyframe(frame)

	if m.init == nil {
		if !key {
			return
		}
		w, h, ok := vp8Size(frame)
		if !ok {
			w, h = defaultWidth, defaultHeight
		}
		m.init = initSegment(w, h, m.withAudio)
		log.Infow("webm stream started", "stream", m.name, "width", w, "height", h, "audio", m.withAudio)
		m.broadcastLocked(m.init)
	}

	start := ts
	if len(m.audioQ) > 0 && m.audioQ[0].ms < start {
		start = m.audioQ[0].ms
	}

	var blocks bytes.Buffer
	uintElement(&blocks, idTimecode, uint64(max(start, 0)))
	for _, af := range m.audioQ {
		rel := af.ms - start
		if rel > maxRelative {
			continue
		}
		simpleBlock(&blocks, trackAudio, int16(rel), false, af.data)
	}
	m.audioQ = m.audioQ[:0]
	simpleBlock(&blocks, trackVideo, int16(min(ts-start, maxRelative)), key, frame)

	var cluster bytes.Buffer
	element(&cluster, idCluster, blocks.Bytes())
	out := cluster.Bytes()
	if key {
		m.lastKey = out
	}
	m.broadcastLocked(out)
}

// WriteAudio queues one Opus frame at ms for the next cluster.
func (m *Muxer) WriteAudio(ms int64, frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.withAudio {
		return
	}
	if !m.audioSet {
		m.audioBase, m.audioSet = ms, true
	}
	m.audioQ = append(m.audioQ, audioFrame{ms: ms - m.audioBase, data: append([]byte(nil), frame...)})
}

// Close ends every subscription. Later writes are dropped.
func (m *Muxer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan []byte]struct{})
	m.audioQ = nil
}

func (m *Muxer) broadcastLocked(msg []byte) {
	for ch := range m.subs {
		select {
		case ch <- msg:
		default:
			log.Debugw("webm subscriber slow, frame dropped", "stream", m.name)
		}
	}
}
