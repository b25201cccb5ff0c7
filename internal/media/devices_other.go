//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Devices has no capture drivers on this platform. Acquire always reports
// ErrDeviceUnavailable; calls still negotiate receive-only media.
type Devices struct {
	opts Options
}

func NewDevices(opts Options) (*Devices, error) {
	return &Devices{opts: opts}, nil
}

func (d *Devices) PopulateCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Devices) Enumerate() []Device { return nil }

func (d *Devices) Acquire(ctx context.Context, _ Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log.Warnw("no capture drivers on this platform")
	return nil, ErrDeviceUnavailable
}
