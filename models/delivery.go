package models

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VotePayload is the decoded memo carried by a delivery. It is produced
// by the origin-ledger client and consumed exactly once by the codec.
type VotePayload struct {
	Version    uint8  `json:"version"`
	ProposalID uint32 `json:"proposal_id"`
	ChoiceID   uint8  `json:"choice_id"`
	Nonce      uint32 `json:"nonce"`
	Flags      uint8  `json:"flags"`
	// Hint is an optional 20-byte opaque reference (empty or exactly 20 bytes).
	Hint []byte `json:"hint,omitempty"`
}

// Delivery is the unit of work arriving from the transport network.
// ReceiptID is supplied by the transport and assumed unique per delivery
// attempt, but may be replayed by a retrying transport.
type Delivery struct {
	Caller     common.Address `json:"caller"`
	ReceiptID  common.Hash    `json:"receipt_id"`
	RawAmount  *big.Int       `json:"raw_amount"`
	Asset      common.Address `json:"asset"`
	LedgerTime int64          `json:"ledger_time"` // ledger timestamp attached by the transport
	Memo       []byte         `json:"memo"`
}

// ForwardingEntry records value that could not be tallied and was routed
// to a treasury or fallback address instead. Entries are append-only and
// consumed by an external payout process.
type ForwardingEntry struct {
	ID        string         `json:"id"`
	ReceiptID common.Hash    `json:"receipt_id"`
	Asset     common.Address `json:"asset"`
	Amount    *big.Int       `json:"amount"`
	Route     common.Address `json:"route"`
	Reason    RejectReason   `json:"reason"`
	CreatedAt int64          `json:"created_at"`
}

// TallyEntry is one accumulator cell of the tally ledger.
type TallyEntry struct {
	ProposalID uint32   `json:"proposal_id"`
	ChoiceID   uint8    `json:"choice_id"`
	Weight     *big.Int `json:"weight"`
}
