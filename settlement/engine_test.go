package settlement_test

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"votebridge/events"
	"votebridge/memo"
	"votebridge/models"
	"votebridge/oracle"
	"votebridge/settlement"
)

var (
	trustedCaller  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	strangerCaller = common.HexToAddress("0x0000000000000000000000000000000000000022")
	globalFallback = common.HexToAddress("0x0000000000000000000000000000000000000033")
	treasuryRoute  = common.HexToAddress("0x0000000000000000000000000000000000000044")
	assetX         = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type mockStore struct {
	proposals map[uint32]*models.Proposal
	tallies   map[string]*big.Int
	receipts  map[common.Hash]bool
	snaps     map[common.Address]*models.PriceSnapshot
	events    []*models.AuditEvent
	fwds      []*models.ForwardingEntry
	seq       uint64
	snapErr   error // injected snapshot read fault
}

func newMockStore() *mockStore {
	return &mockStore{
		proposals: make(map[uint32]*models.Proposal),
		tallies:   make(map[string]*big.Int),
		receipts:  make(map[common.Hash]bool),
		snaps:     make(map[common.Address]*models.PriceSnapshot),
	}
}

func tallyCell(pid uint32, cid uint8) string { return fmt.Sprintf("%d:%d", pid, cid) }

func (m *mockStore) PutProposal(p *models.Proposal) error {
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *mockStore) GetProposal(id uint32) (*models.Proposal, error) {
	p, ok := m.proposals[id]
	if !ok {
		return nil, nil
	}
	// return a copy to simulate DB retrieval
	cp := *p
	return &cp, nil
}

func (m *mockStore) ListProposals() ([]*models.Proposal, error) {
	var out []*models.Proposal
	for _, p := range m.proposals {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) GetTally(pid uint32, cid uint8) (*big.Int, error) {
	if w, ok := m.tallies[tallyCell(pid, cid)]; ok {
		return new(big.Int).Set(w), nil
	}
	return new(big.Int), nil
}

func (m *mockStore) HasReceipt(id common.Hash) (bool, error) {
	return m.receipts[id], nil
}

func (m *mockStore) PutSnapshot(s *models.PriceSnapshot) error {
	cp := *s
	m.snaps[s.Asset] = &cp
	return nil
}

func (m *mockStore) GetSnapshot(asset common.Address) (*models.PriceSnapshot, error) {
	if m.snapErr != nil {
		return nil, m.snapErr
	}
	s, ok := m.snaps[asset]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *mockStore) AppendEvent(ev *models.AuditEvent) error {
	m.seq++
	ev.Seq = m.seq
	m.events = append(m.events, ev)
	return nil
}

func (m *mockStore) ListEvents(pid uint32) ([]*models.AuditEvent, error) {
	var out []*models.AuditEvent
	for _, ev := range m.events {
		if ev.ProposalID == pid {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) ListForwardings() ([]*models.ForwardingEntry, error) {
	return m.fwds, nil
}

func (m *mockStore) CommitVote(receiptID common.Hash, tally *models.TallyEntry, ev *models.AuditEvent) error {
	m.receipts[receiptID] = true
	m.tallies[tallyCell(tally.ProposalID, tally.ChoiceID)] = new(big.Int).Set(tally.Weight)
	return m.AppendEvent(ev)
}

func (m *mockStore) CommitRejection(receiptID common.Hash, fwd *models.ForwardingEntry, ev *models.AuditEvent) error {
	m.receipts[receiptID] = true
	m.fwds = append(m.fwds, fwd)
	return m.AppendEvent(ev)
}

func (m *mockStore) eventsOfKind(kind models.EventKind) []*models.AuditEvent {
	var out []*models.AuditEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// testEngine wires an engine over the mock store with a fresh snapshot
// for assetX at price 2.0 and an open proposal 7 with 3 choices.
func testEngine(t *testing.T, policy oracle.StalePolicy) (*settlement.Engine, *mockStore) {
	t.Helper()
	store := newMockStore()
	store.snaps[assetX] = &models.PriceSnapshot{Asset: assetX, Price: 2 * oracle.PriceScale, ObservedAt: 1400}

	normalizer := oracle.NewNormalizer(store, 300, policy)
	engine := settlement.NewEngine(store, normalizer, events.NewBus(nil), settlement.Config{
		TrustedCaller:  trustedCaller,
		GlobalFallback: globalFallback,
	}, nil)
	engine.SetClock(func() int64 { return 900 })

	require.NoError(t, engine.CreateProposal(&models.Proposal{
		ID:            7,
		ChoiceCount:   3,
		OpensAt:       1000,
		ClosesAt:      2000,
		TreasuryRoute: treasuryRoute,
	}))
	require.NoError(t, engine.OpenProposal(7))
	return engine, store
}

func encodedMemo(t *testing.T, pid uint32, cid uint8, nonce uint32) []byte {
	t.Helper()
	data, err := memo.Encode(&models.VotePayload{Version: 1, ProposalID: pid, ChoiceID: cid, Nonce: nonce})
	require.NoError(t, err)
	return data
}

func delivery(t *testing.T, receipt byte, pid uint32, cid uint8, amount int64) *models.Delivery {
	t.Helper()
	return &models.Delivery{
		Caller:     trustedCaller,
		ReceiptID:  common.Hash{receipt},
		RawAmount:  big.NewInt(amount),
		Asset:      assetX,
		LedgerTime: 1500,
		Memo:       encodedMemo(t, pid, cid, 55),
	}
}

func TestDelivery_Accepted(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	out, err := engine.ProcessDelivery(delivery(t, 0xA1, 7, 2, 1_000_000))
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.False(t, out.StaleOracle)
	require.Equal(t, big.NewInt(2_000_000), out.Weight)

	tallies, err := engine.Tallies(7)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2_000_000), tallies[2])
	require.Zero(t, tallies[0].Sign())
	require.Zero(t, tallies[1].Sign())

	cast := store.eventsOfKind(models.EventVoteCast)
	require.Len(t, cast, 1)
	require.Equal(t, common.Hash{0xA1}, cast[0].ReceiptID)
	require.Equal(t, big.NewInt(2_000_000), cast[0].Weight)
}

func TestDelivery_ReplayIsIdempotent(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)
	d := delivery(t, 0xA1, 7, 2, 1_000_000)

	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.True(t, out.Accepted)

	// identical redelivery of receipt A1
	out, err = engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonDuplicate, out.Reason)

	tallies, err := engine.Tallies(7)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2_000_000), tallies[2])
	require.Len(t, store.eventsOfKind(models.EventVoteCast), 1)
	require.Empty(t, store.fwds)
}

func TestDelivery_UnknownProposal(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	out, err := engine.ProcessDelivery(delivery(t, 0xB1, 99, 0, 500))
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonUnknownOrClosed, out.Reason)

	require.Len(t, store.fwds, 1)
	require.Equal(t, globalFallback, store.fwds[0].Route)
	require.Equal(t, big.NewInt(500), store.fwds[0].Amount)
}

func TestDelivery_AfterExplicitClose(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)
	require.NoError(t, engine.CloseProposal(7))

	out, err := engine.ProcessDelivery(delivery(t, 0xC1, 7, 2, 1_000_000))
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonUnknownOrClosed, out.Reason)

	tallies, err := engine.Tallies(7)
	require.NoError(t, err)
	require.Zero(t, tallies[2].Sign())

	// closed-proposal value goes to the proposal's treasury, not global fallback
	require.Len(t, store.fwds, 1)
	require.Equal(t, treasuryRoute, store.fwds[0].Route)
}

func TestDelivery_WindowLazyClose(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	d := delivery(t, 0xC2, 7, 2, 1_000_000)
	d.LedgerTime = 2500 // past closesAt
	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonUnknownOrClosed, out.Reason)

	p, err := engine.GetProposal(7)
	require.NoError(t, err)
	require.Equal(t, models.StateClosed, p.State)
	require.Equal(t, int64(2000), p.ClosedAt)

	closed := store.eventsOfKind(models.EventProposalClosed)
	require.Len(t, closed, 1)
	require.Equal(t, int64(2000), closed[0].ClosedAt)
}

func TestDelivery_BeforeWindowOpens(t *testing.T) {
	engine, _ := testEngine(t, oracle.PolicyFlag)

	d := delivery(t, 0xC3, 7, 2, 1_000_000)
	d.LedgerTime = 500
	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.Equal(t, models.ReasonUnknownOrClosed, out.Reason)
}

func TestDelivery_DraftProposal(t *testing.T) {
	engine, _ := testEngine(t, oracle.PolicyFlag)
	require.NoError(t, engine.CreateProposal(&models.Proposal{
		ID: 8, ChoiceCount: 2, OpensAt: 1000, ClosesAt: 2000, TreasuryRoute: treasuryRoute,
	}))

	out, err := engine.ProcessDelivery(delivery(t, 0xC4, 8, 0, 100))
	require.NoError(t, err)
	require.Equal(t, models.ReasonUnknownOrClosed, out.Reason)
}

func TestDelivery_StaleOracleFlagPolicy(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)
	store.snaps[assetX].ObservedAt = 100 // far older than the 300s window

	out, err := engine.ProcessDelivery(delivery(t, 0xD1, 7, 1, 1_000_000))
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.True(t, out.StaleOracle)
	require.Equal(t, big.NewInt(2_000_000), out.Weight)

	cast := store.eventsOfKind(models.EventVoteCast)
	require.Len(t, cast, 1)
	require.True(t, cast[0].StaleOracle)
}

func TestDelivery_StaleOracleRejectPolicy(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyReject)
	store.snaps[assetX].ObservedAt = 100

	out, err := engine.ProcessDelivery(delivery(t, 0xD2, 7, 1, 1_000_000))
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonStaleOracle, out.Reason)
	require.Len(t, store.fwds, 1)
	require.Equal(t, treasuryRoute, store.fwds[0].Route)
}

func TestDelivery_NoSnapshot(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)
	delete(store.snaps, assetX)

	out, err := engine.ProcessDelivery(delivery(t, 0xD3, 7, 1, 1_000_000))
	require.NoError(t, err)
	require.Equal(t, models.ReasonNoPrice, out.Reason)
}

func TestDelivery_SnapshotReadFaultIsRetrySafe(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)
	d := delivery(t, 0xD4, 7, 1, 1_000_000)

	// a transient storage fault surfaces as an error before the receipt
	// is consumed; nothing is rejected, forwarded or tallied
	store.snapErr = fmt.Errorf("leveldb: i/o error")
	_, err := engine.ProcessDelivery(d)
	require.Error(t, err)
	require.Empty(t, store.receipts)
	require.Empty(t, store.fwds)
	require.Empty(t, store.eventsOfKind(models.EventVoteRejected))

	// the transport's retry of the same receipt settles normally
	store.snapErr = nil
	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, big.NewInt(2_000_000), out.Weight)
}

func TestDelivery_BadMemo(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	d := delivery(t, 0xE1, 7, 2, 750)
	d.Memo = []byte{0xff, 0x01, 0x02} // garbage, not even the right version
	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonBadPayload, out.Reason)

	// value is accounted for: forwarded to the global fallback
	require.Len(t, store.fwds, 1)
	require.Equal(t, globalFallback, store.fwds[0].Route)
	require.Equal(t, big.NewInt(750), store.fwds[0].Amount)
}

func TestDelivery_BadChoice(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	out, err := engine.ProcessDelivery(delivery(t, 0xE2, 7, 9, 100))
	require.NoError(t, err)
	require.Equal(t, models.ReasonBadChoice, out.Reason)
	require.Len(t, store.fwds, 1)
	require.Equal(t, treasuryRoute, store.fwds[0].Route)
}

func TestDelivery_UntrustedCaller(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	d := delivery(t, 0xE3, 7, 2, 100)
	d.Caller = strangerCaller
	_, err := engine.ProcessDelivery(d)
	require.ErrorIs(t, err, settlement.ErrUntrustedCaller)

	// the aborted call left no trace
	require.Empty(t, store.fwds)
	require.Empty(t, store.eventsOfKind(models.EventVoteRejected))
	require.Empty(t, store.receipts)
}

func TestDelivery_ReplayAfterRejection(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	d := delivery(t, 0xE4, 99, 0, 500)
	_, err := engine.ProcessDelivery(d)
	require.NoError(t, err)

	out, err := engine.ProcessDelivery(d)
	require.NoError(t, err)
	require.Equal(t, models.ReasonDuplicate, out.Reason)

	// the replay did not forward the value a second time
	require.Len(t, store.fwds, 1)
}

func TestDelivery_OverBudget(t *testing.T) {
	store := newMockStore()
	store.snaps[assetX] = &models.PriceSnapshot{Asset: assetX, Price: oracle.PriceScale, ObservedAt: 1400}
	normalizer := oracle.NewNormalizer(store, 300, oracle.PolicyFlag)
	engine := settlement.NewEngine(store, normalizer, events.NewBus(nil), settlement.Config{
		TrustedCaller:  trustedCaller,
		GlobalFallback: globalFallback,
		ComputeCeiling: 120_000, // enough to decode, not enough to settle
	}, nil)
	engine.SetClock(func() int64 { return 900 })
	require.NoError(t, engine.CreateProposal(&models.Proposal{
		ID: 7, ChoiceCount: 3, OpensAt: 1000, ClosesAt: 2000, TreasuryRoute: treasuryRoute,
	}))
	require.NoError(t, engine.OpenProposal(7))

	out, err := engine.ProcessDelivery(delivery(t, 0xF1, 7, 2, 100))
	require.NoError(t, err)
	require.False(t, out.Accepted)
	require.Equal(t, models.ReasonOverBudget, out.Reason)
	require.Len(t, store.fwds, 1)
}

func TestConservation(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	amounts := []int64{1_000_000, 250_000, 40_000, 3}
	choices := []uint8{0, 2, 2, 1}
	for i := range amounts {
		out, err := engine.ProcessDelivery(delivery(t, byte(0x10+i), 7, choices[i], amounts[i]))
		require.NoError(t, err)
		require.True(t, out.Accepted)
	}

	tallies, err := engine.Tallies(7)
	require.NoError(t, err)
	sumTallies := new(big.Int)
	for _, w := range tallies {
		sumTallies.Add(sumTallies, w)
	}

	sumCast := new(big.Int)
	for _, ev := range store.eventsOfKind(models.EventVoteCast) {
		sumCast.Add(sumCast, ev.Weight)
	}
	require.Equal(t, sumCast, sumTallies)
	require.Equal(t, big.NewInt(2*(1_000_000+250_000+40_000+3)), sumTallies)
}

func TestSignedVote_UnitWeight(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	payload := &models.VotePayload{Version: 1, ProposalID: 7, ChoiceID: 1, Nonce: 9}
	signer := common.HexToAddress("0x5555").Bytes()
	receipt := common.Hash{0xAB}

	out, err := engine.ProcessSignedVote(payload, receipt, nil, common.Address{}, 1500, signer)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, big.NewInt(1), out.Weight)

	cast := store.eventsOfKind(models.EventVoteCast)
	require.Len(t, cast, 1)
	require.Equal(t, signer, cast[0].Hint)

	// same synthetic receipt replays as a duplicate
	out, err = engine.ProcessSignedVote(payload, receipt, nil, common.Address{}, 1500, signer)
	require.NoError(t, err)
	require.Equal(t, models.ReasonDuplicate, out.Reason)
}

func TestSignedVote_ConfiguredUnitWeight(t *testing.T) {
	store := newMockStore()
	normalizer := oracle.NewNormalizer(store, 300, oracle.PolicyFlag)
	engine := settlement.NewEngine(store, normalizer, events.NewBus(nil), settlement.Config{
		TrustedCaller:    trustedCaller,
		GlobalFallback:   globalFallback,
		SignedVoteWeight: big.NewInt(500),
	}, nil)
	engine.SetClock(func() int64 { return 900 })
	require.NoError(t, engine.CreateProposal(&models.Proposal{
		ID: 7, ChoiceCount: 3, OpensAt: 1000, ClosesAt: 2000, TreasuryRoute: treasuryRoute,
	}))
	require.NoError(t, engine.OpenProposal(7))

	payload := &models.VotePayload{Version: 1, ProposalID: 7, ChoiceID: 1, Nonce: 9}
	out, err := engine.ProcessSignedVote(payload, common.Hash{0xAD}, nil, common.Address{}, 1500, nil)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, big.NewInt(500), out.Weight)
}

func TestSignedVote_WithValueNormalizes(t *testing.T) {
	engine, _ := testEngine(t, oracle.PolicyFlag)

	payload := &models.VotePayload{Version: 1, ProposalID: 7, ChoiceID: 0, Nonce: 9}
	out, err := engine.ProcessSignedVote(payload, common.Hash{0xAC}, big.NewInt(500), assetX, 1500, nil)
	require.NoError(t, err)
	require.True(t, out.Accepted)
	require.Equal(t, big.NewInt(1000), out.Weight)
}

func TestLifecycle_CreateValidation(t *testing.T) {
	engine, _ := testEngine(t, oracle.PolicyFlag)

	err := engine.CreateProposal(&models.Proposal{ID: 9, ChoiceCount: 0, OpensAt: 1, ClosesAt: 2})
	require.ErrorIs(t, err, settlement.ErrNoChoices)

	err = engine.CreateProposal(&models.Proposal{ID: 9, ChoiceCount: 1, OpensAt: 2, ClosesAt: 2})
	require.ErrorIs(t, err, settlement.ErrBadWindow)

	err = engine.CreateProposal(&models.Proposal{ID: 7, ChoiceCount: 1, OpensAt: 1, ClosesAt: 2})
	require.ErrorIs(t, err, settlement.ErrProposalExists)
}

func TestLifecycle_Transitions(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	// proposal 7 is already Open
	require.ErrorIs(t, engine.OpenProposal(7), settlement.ErrBadState)
	require.ErrorIs(t, engine.ArchiveProposal(7), settlement.ErrBadState)
	require.ErrorIs(t, engine.CloseProposal(42), settlement.ErrProposalNotFound)

	require.NoError(t, engine.CloseProposal(7))
	require.ErrorIs(t, engine.CloseProposal(7), settlement.ErrBadState)
	require.NoError(t, engine.ArchiveProposal(7))

	p, err := engine.GetProposal(7)
	require.NoError(t, err)
	require.Equal(t, models.StateArchived, p.State)

	require.Len(t, store.eventsOfKind(models.EventProposalOpened), 1)
	require.Len(t, store.eventsOfKind(models.EventProposalClosed), 1)
}

func TestPublishSnapshot_Validation(t *testing.T) {
	engine, store := testEngine(t, oracle.PolicyFlag)

	require.ErrorIs(t, engine.PublishSnapshot(&models.PriceSnapshot{Asset: assetX}), settlement.ErrBadSnapshot)

	require.NoError(t, engine.PublishSnapshot(&models.PriceSnapshot{
		Asset: assetX, Price: 3 * oracle.PriceScale, ObservedAt: 1450,
	}))
	require.Equal(t, uint64(3*oracle.PriceScale), store.snaps[assetX].Price)
}

func TestVoteCastPublishedOnBus(t *testing.T) {
	store := newMockStore()
	store.snaps[assetX] = &models.PriceSnapshot{Asset: assetX, Price: oracle.PriceScale, ObservedAt: 1400}
	normalizer := oracle.NewNormalizer(store, 300, oracle.PolicyFlag)
	bus := events.NewBus(nil)
	defer bus.Stop()

	engine := settlement.NewEngine(store, normalizer, bus, settlement.Config{
		TrustedCaller:  trustedCaller,
		GlobalFallback: globalFallback,
	}, nil)
	engine.SetClock(func() int64 { return 900 })
	require.NoError(t, engine.CreateProposal(&models.Proposal{
		ID: 7, ChoiceCount: 3, OpensAt: 1000, ClosesAt: 2000, TreasuryRoute: treasuryRoute,
	}))
	require.NoError(t, engine.OpenProposal(7))

	_, ch := bus.Subscribe(events.TypeVoteCast)
	_, err := engine.ProcessDelivery(delivery(t, 0xFA, 7, 0, 42))
	require.NoError(t, err)

	ev := <-ch
	require.Equal(t, uint32(7), ev.Data.ProposalID)
	require.Equal(t, big.NewInt(42), ev.Data.Weight)
}
