package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names the audit events emitted by the settlement engine.
type EventKind string

const (
	EventVoteCast       EventKind = "VoteCast"
	EventVoteRejected   EventKind = "VoteRejected"
	EventProposalOpened EventKind = "ProposalOpened"
	EventProposalClosed EventKind = "ProposalClosed"
)

// RejectReason classifies why a delivery was not tallied.
type RejectReason string

const (
	ReasonBadPayload      RejectReason = "badPayload"
	ReasonUnknownOrClosed RejectReason = "unknownOrClosed"
	ReasonBadChoice       RejectReason = "badChoice"
	ReasonDuplicate       RejectReason = "duplicate"
	ReasonStaleOracle     RejectReason = "staleOracle"
	ReasonNoPrice         RejectReason = "noPrice"
	ReasonOverBudget      RejectReason = "overBudget"
	ReasonBadSignature    RejectReason = "badSignature"
)

// AuditEvent is one entry of the append-only settlement event log. The
// accumulator map is derived state; this log is the source of truth for
// external indexers. Fields not relevant to a given kind are left zero.
type AuditEvent struct {
	ID          string         `json:"id"`  // uuid
	Seq         uint64         `json:"seq"` // append order, assigned by the store
	Kind        EventKind      `json:"kind"`
	Timestamp   int64          `json:"timestamp"` // ledger time of the triggering action
	ProposalID  uint32         `json:"proposal_id"`
	ChoiceID    uint8          `json:"choice_id,omitempty"`
	Weight      *big.Int       `json:"weight,omitempty"`
	ReceiptID   common.Hash    `json:"receipt_id,omitempty"`
	Hint        []byte         `json:"hint,omitempty"`
	StaleOracle bool           `json:"stale_oracle,omitempty"`
	Reason      RejectReason   `json:"reason,omitempty"`
	RawAmount   *big.Int       `json:"raw_amount,omitempty"`
	Asset       common.Address `json:"asset,omitempty"`
	OpensAt     int64          `json:"opens_at,omitempty"`
	ClosesAt    int64          `json:"closes_at,omitempty"`
	ClosedAt    int64          `json:"closed_at,omitempty"`
}
