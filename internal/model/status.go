package model

import "strconv"

// ReceiptStatus is the lifecycle of an outgoing message as seen by its sender.
type ReceiptStatus uint8

const (
	// StatusPending is a client-local optimistic message with no durable row yet.
	StatusPending ReceiptStatus = iota
	// StatusSent means the durable row exists.
	StatusSent
	// StatusDelivered means the recipient's client acknowledged receipt.
	StatusDelivered
	// StatusRead means the recipient viewed the message. Terminal.
	StatusRead
	// StatusFailed means the durable write never happened. Only reachable from pending.
	StatusFailed
)

// String returns a human-readable version of ReceiptStatus.
func (s ReceiptStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "invalid status: " + strconv.Itoa(int(s))
	}
}

// Advance returns the status after observing next. Receipts only move forward:
// sent -> delivered -> read. Failed can only replace pending.
func (s ReceiptStatus) Advance(next ReceiptStatus) ReceiptStatus {
	switch {
	case next == StatusFailed:
		if s == StatusPending {
			return StatusFailed
		}
		return s
	case s == StatusFailed:
		// A late durable confirmation wins over a local failure.
		if next >= StatusSent {
			return next
		}
		return s
	case next > s:
		return next
	default:
		return s
	}
}
