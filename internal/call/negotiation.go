package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/metrics"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/records"
)

// Role is fixed for the life of a session.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// RoleFor derives the local role from the record: the caller offers, every
// other participant answers.
func RoleFor(rec records.Record, selfID string) Role {
	if rec.CallerID == selfID {
		return RoleOfferer
	}
	return RoleAnswerer
}

// NegotiationState tracks the offer/answer exchange.
//
//	IDLE ─┬─► OFFER_SENT ─► ANSWER_RECEIVED ─┬─► ESTABLISHED
//	      └─► AWAITING_OFFER ─► ANSWER_SENT ──┘
//	any ─► TERMINATED
type NegotiationState string

const (
	NegIdle           NegotiationState = "idle"
	NegOfferSent      NegotiationState = "offer-sent"
	NegAwaitingOffer  NegotiationState = "awaiting-offer"
	NegAnswerReceived NegotiationState = "answer-received"
	NegAnswerSent     NegotiationState = "answer-sent"
	NegEstablished    NegotiationState = "established"
	NegTerminated     NegotiationState = "terminated"
)

type sendFunc func(ctx context.Context, event string, payload any) error

// negotiator runs the offer/answer/ICE exchange for one session. It is not
// safe for concurrent use; the session's event loop is its only caller.
type negotiator struct {
	callID string
	role   Role
	pc     PeerConn
	send   sendFunc

	state     NegotiationState
	offer     *webrtc.SessionDescription
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// local candidates already trickled, replayed after a re-sent offer
	sent []webrtc.ICECandidateInit
}

func newNegotiator(callID string, role Role, pc PeerConn, send sendFunc) *negotiator {
	return &negotiator{callID: callID, role: role, pc: pc, send: send, state: NegIdle}
}

// start makes the first move: the offerer publishes its offer, the answerer
// announces it is listening.
func (n *negotiator) start(ctx context.Context) error {
	if n.state != NegIdle {
		return fmt.Errorf("%w: start in %s", ErrNegotiationState, n.state)
	}
	if n.role == RoleAnswerer {
		n.state = NegAwaitingOffer
		if err := n.send(ctx, proto.EventReady, nil); err != nil {
			// The offer may still arrive without it.
			log.Warnw("ready not delivered", "call", n.callID, "err", err)
		}
		return nil
	}

	offer, err := n.pc.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	n.offer = &offer
	n.state = NegOfferSent
	if err := n.send(ctx, proto.EventOffer, offerMsg{Offer: offer}); err != nil {
		return fmt.Errorf("%w: offer: %v", ErrSignalingDelivery, err)
	}
	return nil
}

// onReady re-publishes the offer, followed by every local candidate trickled
// so far, for an answerer that joined after they went out. It reports whether
// the offer was sent again.
func (n *negotiator) onReady(ctx context.Context) (bool, error) {
	if n.role != RoleOfferer || n.state != NegOfferSent || n.offer == nil {
		return false, nil
	}
	if err := n.send(ctx, proto.EventOffer, offerMsg{Offer: *n.offer}); err != nil {
		return false, fmt.Errorf("%w: offer: %v", ErrSignalingDelivery, err)
	}
	for _, c := range n.sent {
		if err := n.send(ctx, proto.EventCandidate, candidateMsg{Candidate: c}); err != nil {
			log.Warnw("ice candidate replay not delivered", "call", n.callID, "err", err)
		}
	}
	return true, nil
}

// localCandidate trickles one gathered candidate to the peer. A failed send
// is returned but the candidate is still kept for replay.
func (n *negotiator) localCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	if n.state == NegTerminated {
		return nil
	}
	n.sent = append(n.sent, c)
	return n.send(ctx, proto.EventCandidate, candidateMsg{Candidate: c})
}

func (n *negotiator) onOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	if n.role != RoleAnswerer || n.state != NegAwaitingOffer {
		metrics.NegotiationViolationsTotal.WithLabelValues(proto.EventOffer).Inc()
		return fmt.Errorf("%w: offer as %s in %s", ErrNegotiationState, n.role, n.state)
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrConnectionFailed, err)
	}
	n.remoteSet = true
	n.flush()

	answer, err := n.pc.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrConnectionFailed, err)
	}
	n.state = NegAnswerSent
	if err := n.send(ctx, proto.EventAnswer, answerMsg{Answer: answer}); err != nil {
		return fmt.Errorf("%w: answer: %v", ErrSignalingDelivery, err)
	}
	return nil
}

func (n *negotiator) onAnswer(answer webrtc.SessionDescription) error {
	if n.role != RoleOfferer || n.state != NegOfferSent {
		metrics.NegotiationViolationsTotal.WithLabelValues(proto.EventAnswer).Inc()
		return fmt.Errorf("%w: answer as %s in %s", ErrNegotiationState, n.role, n.state)
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrConnectionFailed, err)
	}
	n.remoteSet = true
	n.state = NegAnswerReceived
	n.flush()
	return nil
}

// onCandidate applies c, or holds it until the remote description is set.
func (n *negotiator) onCandidate(c webrtc.ICECandidateInit) {
	if n.state == NegTerminated {
		return
	}
	if !n.remoteSet {
		n.pending = append(n.pending, c)
		metrics.BufferedCandidatesTotal.Inc()
		return
	}
	n.apply(c)
}

// flush applies held candidates in receipt order.
func (n *negotiator) flush() {
	pending := n.pending
	n.pending = nil
	for _, c := range pending {
		n.apply(c)
	}
}

func (n *negotiator) apply(c webrtc.ICECandidateInit) {
	if err := n.pc.AddICECandidate(c); err != nil {
		log.Debugw("ice candidate rejected", "call", n.callID, "err", err)
	}
}

func (n *negotiator) established() {
	switch n.state {
	case NegAnswerSent, NegAnswerReceived:
		n.state = NegEstablished
	}
}

func (n *negotiator) terminate() {
	n.state = NegTerminated
	n.pending = nil
	n.sent = nil
}

func (n *negotiator) buffered() int { return len(n.pending) }
