package oracle

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"votebridge/models"
)

// PriceScale is the fixed-point denominator for snapshot prices: a
// stored price of 2 * PriceScale means 2.0.
const PriceScale = 100_000_000

// StalePolicy controls what happens when the latest snapshot for an
// asset is older than the configured staleness window.
type StalePolicy string

const (
	// PolicyFlag accepts the vote using the last known price and marks
	// the resulting VoteCast event as stale. This is the default:
	// rejecting would forfeit a legitimate vote over an oracle hiccup.
	PolicyFlag StalePolicy = "flag"
	// PolicyReject refuses the vote so its value is routed to fallback.
	PolicyReject StalePolicy = "reject"
)

var (
	ErrNoSnapshot = errors.New("oracle: no price snapshot for asset")
	ErrStale      = errors.New("oracle: price snapshot too old")
)

// SnapshotSource provides the latest published snapshot per asset.
// Reads are local lookups of already-published data, never live calls.
// An asset that has never been priced returns (nil, nil); a non-nil
// error means the read itself failed and must not be treated as
// absence.
type SnapshotSource interface {
	GetSnapshot(asset common.Address) (*models.PriceSnapshot, error)
}

// Normalizer converts raw delivered value into a comparable governance
// weight using a bounded-staleness price snapshot. Normalizing bounds
// (but does not eliminate) short-term price manipulation around the
// delivery time.
type Normalizer struct {
	source SnapshotSource
	window int64 // max snapshot age in seconds
	policy StalePolicy
}

func NewNormalizer(source SnapshotSource, windowSeconds int64, policy StalePolicy) *Normalizer {
	if policy == "" {
		policy = PolicyFlag
	}
	return &Normalizer{source: source, window: windowSeconds, policy: policy}
}

// Normalize returns rawAmount scaled by the asset's latest price. The
// stale flag reports that the snapshot was older than the window and
// the flag policy was in effect. ErrStale is returned instead when the
// policy is reject; ErrNoSnapshot when the asset has never been priced.
// A failed snapshot read propagates as-is so the caller can distinguish
// a transient storage fault from true absence and retry the delivery.
func (n *Normalizer) Normalize(rawAmount *big.Int, asset common.Address, at int64) (*big.Int, bool, error) {
	snap, err := n.source.GetSnapshot(asset)
	if err != nil {
		return nil, false, err
	}
	if snap == nil {
		return nil, false, ErrNoSnapshot
	}

	stale := at-snap.ObservedAt > n.window
	if stale && n.policy == PolicyReject {
		return nil, false, ErrStale
	}

	weight := new(big.Int).Mul(rawAmount, new(big.Int).SetUint64(snap.Price))
	weight.Quo(weight, big.NewInt(PriceScale))
	return weight, stale, nil
}
