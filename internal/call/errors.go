package call

import (
	"errors"

	"github.com/petervdpas/goopcall/internal/media"
)

var (
	// Local device errors. The session ends before any negotiation.
	ErrPermissionDenied  = media.ErrPermissionDenied
	ErrDeviceUnavailable = media.ErrDeviceUnavailable

	// ErrSignalingDelivery wraps relay send failures. Lost ICE candidates are
	// tolerated; a lost offer or answer fails the connection.
	ErrSignalingDelivery = errors.New("call: signaling delivery failed")

	// ErrNegotiationState marks an offer or answer that arrived out of state.
	// The message is dropped; the session carries on.
	ErrNegotiationState = errors.New("call: negotiation state violation")

	ErrConnectionFailed = errors.New("call: connection failed")

	// ErrRecordNotFound is fatal for the call screen.
	ErrRecordNotFound = errors.New("call: record not found")

	ErrNotParticipant = errors.New("call: not a participant of this call")
	ErrCallOver       = errors.New("call: call already over")
	ErrNotCancellable = errors.New("call: only an unanswered outgoing call can be cancelled")
	ErrClosed         = errors.New("call: manager closed")
)
