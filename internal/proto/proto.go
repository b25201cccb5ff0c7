package proto

import "time"

const (
	MdnsTag = "goop-mdns"

	// RelayTopicPrefix namespaces call signaling topics on the pub/sub relay.
	// The full topic is RelayTopicPrefix + channel name.
	RelayTopicPrefix = "goop.call/"
)

// Per-call channel events, on the channel named by the call ID. Both peers
// use the same names; the session routes on them.
//
//	caller                          callee
//	──────────────────────────────────────────────────────────────
//	offer  ─────────────────────────►
//	       ◄───────────────────────── ready   (callee joined; caller re-offers)
//	       ◄───────────────────────── answer
//	ice-candidate ◄─────────────────► ice-candidate (trickle, both ways)
//	hang-up ◄───────────────────────► hang-up (either side, any time)
//	       ◄───────────────────────── decline (callee rejected from the notification)
const (
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "ice-candidate"
	EventHangup    = "hang-up"
	EventReady     = "ready"
	EventDecline   = "decline"
)

// Inbox events, on the callee's inbox channel. The caller mirrors a new call
// record into the callee's store with EventCall, and withdraws it with
// EventCancel when it gives up before an answer.
const (
	EventCall   = "call"
	EventCancel = "cancel"
)

// InboxChannel names the relay channel a peer listens on for incoming calls.
func InboxChannel(peerID string) string {
	return "inbox/" + peerID
}

// CancelMsg is the payload of EventCancel.
type CancelMsg struct {
	CallID string `json:"call_id"`
	TS     int64  `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
