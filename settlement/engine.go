package settlement

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"votebridge/events"
	"votebridge/logger"
	"votebridge/memo"
	"votebridge/models"
	"votebridge/oracle"
	"votebridge/repository"
)

// ErrUntrustedCaller is the only error a delivery may terminate with:
// the calling address is not the configured transport. Every other
// delivery outcome, valid or not, completes and accounts for the value.
var ErrUntrustedCaller = errors.New("settlement: caller is not the trusted transport")

// Config holds the deployment-time settlement parameters. None of these
// are runtime-mutable by untrusted parties.
type Config struct {
	TrustedCaller    common.Address // only address allowed to deliver
	GlobalFallback   common.Address // route for value with no resolvable proposal
	ComputeCeiling   uint64         // abstract compute budget per delivery
	SignedVoteWeight *big.Int       // weight of a valueless signed vote
}

// Outcome reports how one delivery settled.
type Outcome struct {
	Accepted    bool                `json:"accepted"`
	Reason      models.RejectReason `json:"reason,omitempty"`
	Weight      *big.Int            `json:"weight,omitempty"`
	StaleOracle bool                `json:"stale_oracle,omitempty"`
}

// Engine is the single-writer settlement state machine. Every delivery
// and every lifecycle transition is one serialized atomic step under
// mu; the idempotency check-then-record sequence can never interleave.
type Engine struct {
	mu         sync.Mutex
	store      repository.StoreInterface
	normalizer *oracle.Normalizer
	bus        *events.Bus
	cfg        Config
	now        func() int64
	metrics    *engineMetrics
}

type engineMetrics struct {
	deliveries *prometheus.CounterVec
}

// NewEngine wires the settlement engine; promRegistry may be nil.
func NewEngine(
	store repository.StoreInterface,
	normalizer *oracle.Normalizer,
	bus *events.Bus,
	cfg Config,
	promRegistry prometheus.Registerer,
) *Engine {
	if cfg.SignedVoteWeight == nil {
		cfg.SignedVoteWeight = big.NewInt(1)
	}
	e := &Engine{
		store:      store,
		normalizer: normalizer,
		bus:        bus,
		cfg:        cfg,
		now:        func() int64 { return time.Now().Unix() },
	}
	if promRegistry != nil {
		e.metrics = &engineMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "votebridge_deliveries_total",
				Help: "Processed deliveries by outcome",
			}, []string{"outcome"}),
		}
		promRegistry.MustRegister(e.metrics.deliveries)
	}
	return e
}

// SetClock replaces the engine's time source. Admin lifecycle
// transitions are stamped with this clock; deliveries always use the
// transport-attached ledger time instead.
func (e *Engine) SetClock(now func() int64) {
	e.now = now
}

// deliveryCtx is the settlement pipeline input once the boundary work
// (caller check, memo decode or signature verification) is done.
type deliveryCtx struct {
	payload    *models.VotePayload
	receiptID  common.Hash
	rawAmount  *big.Int // nil for valueless signed votes
	asset      common.Address
	ledgerTime int64
	hint       []byte
}

// ProcessDelivery is the transport boundary entry point. A wrong caller
// returns ErrUntrustedCaller and is the only abort; any other path
// terminates with the value either tallied or routed to a fallback.
// A returned non-nil error other than ErrUntrustedCaller means storage
// failed before anything was consumed, so a transport retry is safe.
func (e *Engine) ProcessDelivery(d *models.Delivery) (*Outcome, error) {
	if d.Caller != e.cfg.TrustedCaller {
		return nil, ErrUntrustedCaller
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	meter := newWorkMeter(e.cfg.ComputeCeiling)
	meter.charge(costCallerCheck)

	if !meter.charge(costDecode) {
		return e.rejectLocked(&deliveryCtx{
			receiptID: d.ReceiptID, rawAmount: d.RawAmount, asset: d.Asset, ledgerTime: d.LedgerTime,
		}, models.ReasonOverBudget, e.cfg.GlobalFallback)
	}
	payload, err := memo.Decode(d.Memo)
	if err != nil {
		logger.Logger.Info("rejecting undecodable memo",
			zap.String("receipt", d.ReceiptID.Hex()), zap.Error(err))
		return e.rejectLocked(&deliveryCtx{
			receiptID: d.ReceiptID, rawAmount: d.RawAmount, asset: d.Asset, ledgerTime: d.LedgerTime,
		}, models.ReasonBadPayload, e.cfg.GlobalFallback)
	}

	return e.settleLocked(meter, &deliveryCtx{
		payload:    payload,
		receiptID:  d.ReceiptID,
		rawAmount:  d.RawAmount,
		asset:      d.Asset,
		ledgerTime: d.LedgerTime,
		hint:       payload.Hint,
	})
}

// ProcessSignedVote settles a pre-verified identity-bound vote through
// the same pipeline. The caller (the off-core verifier boundary) has
// already checked the signature; receiptID is the synthetic receipt
// derived from it and hint carries the recovered signer.
func (e *Engine) ProcessSignedVote(
	payload *models.VotePayload,
	receiptID common.Hash,
	rawAmount *big.Int,
	asset common.Address,
	ledgerTime int64,
	hint []byte,
) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meter := newWorkMeter(e.cfg.ComputeCeiling)
	meter.charge(costCallerCheck)
	meter.charge(costVerify)

	return e.settleLocked(meter, &deliveryCtx{
		payload:    payload,
		receiptID:  receiptID,
		rawAmount:  rawAmount,
		asset:      asset,
		ledgerTime: ledgerTime,
		hint:       hint,
	})
}

// settleLocked runs lookup -> window -> idempotency -> normalize ->
// tally. Callers hold mu.
func (e *Engine) settleLocked(meter *workMeter, c *deliveryCtx) (*Outcome, error) {
	if !meter.charge(costLookup) {
		return e.rejectLocked(c, models.ReasonOverBudget, e.cfg.GlobalFallback)
	}
	p, err := e.store.GetProposal(c.payload.ProposalID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return e.rejectLocked(c, models.ReasonUnknownOrClosed, e.cfg.GlobalFallback)
	}

	// Lazy close: the window boundary is enforced against the ledger
	// time attached to the delivery, not the local clock.
	if p.State == models.StateOpen && c.ledgerTime >= p.ClosesAt {
		if err := e.closeLocked(p, p.ClosesAt); err != nil {
			return nil, err
		}
	}
	if p.State != models.StateOpen || c.ledgerTime < p.OpensAt {
		return e.rejectLocked(c, models.ReasonUnknownOrClosed, p.TreasuryRoute)
	}
	if c.payload.ChoiceID >= p.ChoiceCount {
		return e.rejectLocked(c, models.ReasonBadChoice, p.TreasuryRoute)
	}

	if !meter.charge(costIdempotency) {
		return e.rejectLocked(c, models.ReasonOverBudget, p.TreasuryRoute)
	}
	consumed, err := e.store.HasReceipt(c.receiptID)
	if err != nil {
		return nil, err
	}
	if consumed {
		return e.duplicateLocked(c)
	}

	if !meter.charge(costNormalize) {
		return e.rejectLocked(c, models.ReasonOverBudget, p.TreasuryRoute)
	}
	weight := e.cfg.SignedVoteWeight
	stale := false
	if c.rawAmount != nil {
		weight, stale, err = e.normalizer.Normalize(c.rawAmount, c.asset, c.ledgerTime)
		switch {
		case errors.Is(err, oracle.ErrNoSnapshot):
			return e.rejectLocked(c, models.ReasonNoPrice, p.TreasuryRoute)
		case errors.Is(err, oracle.ErrStale):
			return e.rejectLocked(c, models.ReasonStaleOracle, p.TreasuryRoute)
		case err != nil:
			return nil, err
		}
	}

	if !meter.charge(costTally + costEvent) {
		return e.rejectLocked(c, models.ReasonOverBudget, p.TreasuryRoute)
	}
	current, err := e.store.GetTally(c.payload.ProposalID, c.payload.ChoiceID)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(current, weight)

	ev := &models.AuditEvent{
		ID:          uuid.NewString(),
		Kind:        models.EventVoteCast,
		Timestamp:   c.ledgerTime,
		ProposalID:  c.payload.ProposalID,
		ChoiceID:    c.payload.ChoiceID,
		Weight:      weight,
		ReceiptID:   c.receiptID,
		Hint:        c.hint,
		StaleOracle: stale,
		RawAmount:   c.rawAmount,
		Asset:       c.asset,
	}
	entry := &models.TallyEntry{
		ProposalID: c.payload.ProposalID,
		ChoiceID:   c.payload.ChoiceID,
		Weight:     total,
	}
	if err := e.store.CommitVote(c.receiptID, entry, ev); err != nil {
		return nil, err
	}
	e.publishLocked(ev)
	e.countOutcome("accepted")

	logger.Logger.Info("vote cast",
		zap.Uint32("proposal_id", c.payload.ProposalID),
		zap.Uint8("choice_id", c.payload.ChoiceID),
		zap.String("weight", weight.String()),
		zap.String("receipt", c.receiptID.Hex()),
		zap.Bool("stale_oracle", stale))

	return &Outcome{Accepted: true, Weight: weight, StaleOracle: stale}, nil
}

// rejectLocked terminates a delivery without tallying: the value is
// routed to the given fallback address and a VoteRejected event is
// appended. The receipt is consumed here too, so a replay of a rejected
// delivery settles as a duplicate instead of forwarding value twice.
func (e *Engine) rejectLocked(c *deliveryCtx, reason models.RejectReason, route common.Address) (*Outcome, error) {
	consumed, err := e.store.HasReceipt(c.receiptID)
	if err != nil {
		return nil, err
	}
	if consumed {
		return e.duplicateLocked(c)
	}

	amount := c.rawAmount
	if amount == nil {
		amount = new(big.Int)
	}
	var proposalID uint32
	if c.payload != nil {
		proposalID = c.payload.ProposalID
	}

	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       models.EventVoteRejected,
		Timestamp:  c.ledgerTime,
		ProposalID: proposalID,
		Reason:     reason,
		ReceiptID:  c.receiptID,
		RawAmount:  amount,
		Asset:      c.asset,
	}
	fwd := &models.ForwardingEntry{
		ID:        uuid.NewString(),
		ReceiptID: c.receiptID,
		Asset:     c.asset,
		Amount:    amount,
		Route:     route,
		Reason:    reason,
		CreatedAt: c.ledgerTime,
	}
	if err := e.store.CommitRejection(c.receiptID, fwd, ev); err != nil {
		return nil, err
	}
	e.publishLocked(ev)
	e.countOutcome(string(reason))

	logger.Logger.Info("vote rejected",
		zap.String("reason", string(reason)),
		zap.String("receipt", c.receiptID.Hex()),
		zap.String("route", route.Hex()))

	return &Outcome{Accepted: false, Reason: reason}, nil
}

// duplicateLocked settles a replayed receipt: no tally change, no
// forwarding entry, only an audit event so indexers can see the replay.
func (e *Engine) duplicateLocked(c *deliveryCtx) (*Outcome, error) {
	var proposalID uint32
	if c.payload != nil {
		proposalID = c.payload.ProposalID
	}
	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       models.EventVoteRejected,
		Timestamp:  c.ledgerTime,
		ProposalID: proposalID,
		Reason:     models.ReasonDuplicate,
		ReceiptID:  c.receiptID,
		RawAmount:  c.rawAmount,
		Asset:      c.asset,
	}
	if err := e.store.AppendEvent(ev); err != nil {
		return nil, err
	}
	e.publishLocked(ev)
	e.countOutcome(string(models.ReasonDuplicate))

	return &Outcome{Accepted: false, Reason: models.ReasonDuplicate}, nil
}

func (e *Engine) publishLocked(ev *models.AuditEvent) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) countOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.deliveries.WithLabelValues(outcome).Inc()
	}
}
