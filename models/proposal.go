package models

import (
	"github.com/ethereum/go-ethereum/common"
)

// ProposalState tracks the lifecycle of a proposal.
// Transitions only move forward: Draft -> Open -> Closed -> Archived.
type ProposalState string

const (
	StateDraft    ProposalState = "draft"
	StateOpen     ProposalState = "open"
	StateClosed   ProposalState = "closed"
	StateArchived ProposalState = "archived"
)

// Proposal holds the voting window, choice set size and treasury routing
// for one governance proposal. Proposals are never deleted, only archived.
type Proposal struct {
	ID            uint32         `json:"id"`             // unique id, assigned by the administrator
	ChoiceCount   uint8          `json:"choice_count"`   // choices are 0..ChoiceCount-1, fixed at creation
	OpensAt       int64          `json:"opens_at"`       // ledger time (unix seconds) the window opens
	ClosesAt      int64          `json:"closes_at"`      // ledger time the window closes
	TreasuryRoute common.Address `json:"treasury_route"` // destination for value that cannot be tallied
	State         ProposalState  `json:"state"`
	CreatedAt     int64          `json:"created_at"`
	ClosedAt      int64          `json:"closed_at,omitempty"` // set when the proposal enters Closed
}

// PriceSnapshot is the most recent oracle observation for one asset.
// Price is a fixed-point value scaled by 1e8.
type PriceSnapshot struct {
	Asset      common.Address `json:"asset"`
	Price      uint64         `json:"price"`
	ObservedAt int64          `json:"observed_at"` // ledger time of the observation
}
