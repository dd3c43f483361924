package settlement

import (
	"errors"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"votebridge/logger"
	"votebridge/models"
)

var (
	ErrProposalExists   = errors.New("settlement: proposal id already exists")
	ErrProposalNotFound = errors.New("settlement: proposal does not exist")
	ErrNoChoices        = errors.New("settlement: proposal needs at least one choice")
	ErrBadWindow        = errors.New("settlement: proposal window must close after it opens")
	ErrBadState         = errors.New("settlement: transition not allowed from current state")
	ErrBadSnapshot      = errors.New("settlement: snapshot price must be positive")
)

// CreateProposal registers a new proposal in Draft state. The choice
// set and window are fixed here and validated again at open time.
func (e *Engine) CreateProposal(p *models.Proposal) error {
	if p.ChoiceCount < 1 {
		return ErrNoChoices
	}
	if p.ClosesAt <= p.OpensAt {
		return ErrBadWindow
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existing, err := e.store.GetProposal(p.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrProposalExists
	}

	p.State = models.StateDraft
	p.CreatedAt = e.now()
	p.ClosedAt = 0
	if err := e.store.PutProposal(p); err != nil {
		return err
	}

	logger.Logger.Info("proposal created",
		zap.Uint32("proposal_id", p.ID),
		zap.Uint8("choice_count", p.ChoiceCount),
		zap.Int64("opens_at", p.OpensAt),
		zap.Int64("closes_at", p.ClosesAt))
	return nil
}

// OpenProposal transitions Draft -> Open and emits ProposalOpened.
func (e *Engine) OpenProposal(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProposal(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProposalNotFound
	}
	if p.State != models.StateDraft {
		return ErrBadState
	}
	if p.ChoiceCount < 1 {
		return ErrNoChoices
	}
	if p.ClosesAt <= p.OpensAt {
		return ErrBadWindow
	}

	p.State = models.StateOpen
	if err := e.store.PutProposal(p); err != nil {
		return err
	}

	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       models.EventProposalOpened,
		Timestamp:  e.now(),
		ProposalID: p.ID,
		OpensAt:    p.OpensAt,
		ClosesAt:   p.ClosesAt,
	}
	if err := e.store.AppendEvent(ev); err != nil {
		return err
	}
	e.publishLocked(ev)

	logger.Logger.Info("proposal opened", zap.Uint32("proposal_id", p.ID))
	return nil
}

// CloseProposal transitions Open -> Closed explicitly, before the
// window runs out if need be. Tally mutation stops immediately.
func (e *Engine) CloseProposal(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProposal(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProposalNotFound
	}
	if p.State != models.StateOpen {
		return ErrBadState
	}
	return e.closeLocked(p, e.now())
}

// closeLocked persists the Closed state and emits ProposalClosed.
// Called both by the explicit admin close and by the lazy close when a
// delivery arrives past the window. Callers hold mu.
func (e *Engine) closeLocked(p *models.Proposal, closedAt int64) error {
	p.State = models.StateClosed
	p.ClosedAt = closedAt
	if err := e.store.PutProposal(p); err != nil {
		return err
	}

	ev := &models.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       models.EventProposalClosed,
		Timestamp:  closedAt,
		ProposalID: p.ID,
		ClosedAt:   closedAt,
	}
	if err := e.store.AppendEvent(ev); err != nil {
		return err
	}
	e.publishLocked(ev)

	logger.Logger.Info("proposal closed",
		zap.Uint32("proposal_id", p.ID), zap.Int64("closed_at", closedAt))
	return nil
}

// ArchiveProposal transitions Closed -> Archived. Purely informational;
// tallies were already frozen at close.
func (e *Engine) ArchiveProposal(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.store.GetProposal(id)
	if err != nil {
		return err
	}
	if p == nil {
		return ErrProposalNotFound
	}
	if p.State != models.StateClosed {
		return ErrBadState
	}

	p.State = models.StateArchived
	return e.store.PutProposal(p)
}

// PublishSnapshot records the latest oracle price for an asset. Routed
// through the engine so all mutation shares the single-writer lock.
func (e *Engine) PublishSnapshot(s *models.PriceSnapshot) error {
	if s.Price == 0 {
		return ErrBadSnapshot
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.PutSnapshot(s)
}

// GetProposal returns one proposal, or nil when it does not exist.
func (e *Engine) GetProposal(id uint32) (*models.Proposal, error) {
	return e.store.GetProposal(id)
}

// ListProposals returns every registered proposal.
func (e *Engine) ListProposals() ([]*models.Proposal, error) {
	return e.store.ListProposals()
}

// Tallies returns the accumulated weight per choice for one proposal.
func (e *Engine) Tallies(id uint32) ([]*big.Int, error) {
	p, err := e.store.GetProposal(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProposalNotFound
	}

	tallies := make([]*big.Int, p.ChoiceCount)
	for i := range tallies {
		w, err := e.store.GetTally(id, uint8(i))
		if err != nil {
			return nil, err
		}
		tallies[i] = w
	}
	return tallies, nil
}

// Events returns the audit log for one proposal in append order.
func (e *Engine) Events(id uint32) ([]*models.AuditEvent, error) {
	return e.store.ListEvents(id)
}

// Forwardings returns every recorded value-forwarding entry.
func (e *Engine) Forwardings() ([]*models.ForwardingEntry, error) {
	return e.store.ListForwardings()
}
