package repository

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"

	"votebridge/db"
	"votebridge/models"
)

// Key layout in LevelDB. Direct lookups (proposal, tally, receipt,
// snapshot) are single-key reads; only audit/forwarding listings use
// prefix scans, and those never run on the delivery path.
const (
	prefixProposal = "proposal:"
	prefixTally    = "tally:"
	prefixReceipt  = "receipt:"
	prefixSnapshot = "snapshot:"
	prefixEvent    = "evt:"
	prefixForward  = "fwd:"
	keyEventSeq    = "seq:evt"
	keyForwardSeq  = "seq:fwd"
)

// StoreInterface abstracts the storage layer from the settlement logic.
// All mutating methods are called only by the single-writer engine, so
// implementations need no locking of their own beyond batch atomicity.
type StoreInterface interface {
	PutProposal(p *models.Proposal) error
	GetProposal(id uint32) (*models.Proposal, error)
	ListProposals() ([]*models.Proposal, error)

	GetTally(proposalID uint32, choiceID uint8) (*big.Int, error)

	HasReceipt(id common.Hash) (bool, error)

	PutSnapshot(s *models.PriceSnapshot) error
	GetSnapshot(asset common.Address) (*models.PriceSnapshot, error)

	AppendEvent(ev *models.AuditEvent) error
	ListEvents(proposalID uint32) ([]*models.AuditEvent, error)
	ListForwardings() ([]*models.ForwardingEntry, error)

	CommitVote(receiptID common.Hash, tally *models.TallyEntry, ev *models.AuditEvent) error
	CommitRejection(receiptID common.Hash, fwd *models.ForwardingEntry, ev *models.AuditEvent) error
}

// Store implements StoreInterface on top of LevelDB with JSON-encoded
// records.
type Store struct {
	db         *db.LevelDB
	eventSeq   uint64
	forwardSeq uint64
}

// NewStore creates a Store and loads the persisted sequence counters.
func NewStore(ldb *db.LevelDB) (*Store, error) {
	s := &Store{db: ldb}
	var err error
	if s.eventSeq, err = s.loadSeq(keyEventSeq); err != nil {
		return nil, err
	}
	if s.forwardSeq, err = s.loadSeq(keyForwardSeq); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSeq(key string) (uint64, error) {
	data, err := s.db.Get([]byte(key))
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt sequence counter %q", key)
	}
	return binary.BigEndian.Uint64(data), nil
}

func seqBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func proposalKey(id uint32) []byte {
	return []byte(fmt.Sprintf("%s%08x", prefixProposal, id))
}

func tallyKey(proposalID uint32, choiceID uint8) []byte {
	return []byte(fmt.Sprintf("%s%08x:%02x", prefixTally, proposalID, choiceID))
}

func receiptKey(id common.Hash) []byte {
	return []byte(prefixReceipt + id.Hex())
}

func snapshotKey(asset common.Address) []byte {
	return []byte(prefixSnapshot + asset.Hex())
}

// Events are keyed per proposal so an auditor listing scans only that
// proposal's slice of the log; the global seq still orders appends.
func eventKey(proposalID uint32, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%08x:%020d", prefixEvent, proposalID, seq))
}

func forwardKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixForward, seq))
}

// PutProposal stores a proposal record
func (s *Store) PutProposal(p *models.Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Put(proposalKey(p.ID), data)
}

// GetProposal retrieves a proposal by id; a missing proposal returns
// (nil, nil) so callers can distinguish absence from storage failure
func (s *Store) GetProposal(id uint32) (*models.Proposal, error) {
	data, err := s.db.Get(proposalKey(id))
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProposals retrieves all proposal records
func (s *Store) ListProposals() ([]*models.Proposal, error) {
	iter := s.db.NewPrefixIterator([]byte(prefixProposal))
	defer iter.Release()

	var proposals []*models.Proposal
	for iter.Next() {
		var p models.Proposal
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, err
		}
		proposals = append(proposals, &p)
	}
	return proposals, iter.Error()
}

// GetTally returns the accumulated weight for one choice; zero if the
// cell has never been written
func (s *Store) GetTally(proposalID uint32, choiceID uint8) (*big.Int, error) {
	data, err := s.db.Get(tallyKey(proposalID, choiceID))
	if err == leveldb.ErrNotFound {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	var entry models.TallyEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return entry.Weight, nil
}

// HasReceipt reports whether a receipt id has already been consumed
func (s *Store) HasReceipt(id common.Hash) (bool, error) {
	return s.db.Has(receiptKey(id))
}

// PutSnapshot stores the latest oracle snapshot for an asset
func (s *Store) PutSnapshot(snap *models.PriceSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Put(snapshotKey(snap.Asset), data)
}

// GetSnapshot retrieves the latest snapshot for an asset; an asset
// that has never been priced returns (nil, nil) so callers can
// distinguish absence from storage failure
func (s *Store) GetSnapshot(asset common.Address) (*models.PriceSnapshot, error) {
	data, err := s.db.Get(snapshotKey(asset))
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap models.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// AppendEvent assigns the next sequence number and persists the event
func (s *Store) AppendEvent(ev *models.AuditEvent) error {
	batch := new(leveldb.Batch)
	if err := s.stageEvent(batch, ev); err != nil {
		return err
	}
	if err := s.db.Write(batch); err != nil {
		return err
	}
	return nil
}

// stageEvent adds the event plus counter update to a batch. The counter
// field is only advanced after the batch is known to be staged without
// a marshal error; the engine's single-writer lock keeps this safe.
func (s *Store) stageEvent(batch *leveldb.Batch, ev *models.AuditEvent) error {
	ev.Seq = s.eventSeq + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	batch.Put(eventKey(ev.ProposalID, ev.Seq), data)
	batch.Put([]byte(keyEventSeq), seqBytes(ev.Seq))
	s.eventSeq = ev.Seq
	return nil
}

// ListEvents retrieves the audit log for one proposal in append order
func (s *Store) ListEvents(proposalID uint32) ([]*models.AuditEvent, error) {
	prefix := fmt.Sprintf("%s%08x:", prefixEvent, proposalID)
	iter := s.db.NewPrefixIterator([]byte(prefix))
	defer iter.Release()

	var events []*models.AuditEvent
	for iter.Next() {
		var ev models.AuditEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}
	return events, iter.Error()
}

// ListForwardings retrieves all recorded value-forwarding entries
func (s *Store) ListForwardings() ([]*models.ForwardingEntry, error) {
	iter := s.db.NewPrefixIterator([]byte(prefixForward))
	defer iter.Release()

	var entries []*models.ForwardingEntry
	for iter.Next() {
		var fe models.ForwardingEntry
		if err := json.Unmarshal(iter.Value(), &fe); err != nil {
			return nil, err
		}
		entries = append(entries, &fe)
	}
	return entries, iter.Error()
}

// CommitVote durably applies one accepted vote: the receipt consumption
// marker, the new tally total and the VoteCast audit event are written
// in a single atomic batch so a crash can never count a receipt without
// recording it consumed (or vice versa).
func (s *Store) CommitVote(receiptID common.Hash, tally *models.TallyEntry, ev *models.AuditEvent) error {
	batch := new(leveldb.Batch)
	batch.Put(receiptKey(receiptID), []byte{1})

	data, err := json.Marshal(tally)
	if err != nil {
		return err
	}
	batch.Put(tallyKey(tally.ProposalID, tally.ChoiceID), data)

	if err := s.stageEvent(batch, ev); err != nil {
		return err
	}
	return s.db.Write(batch)
}

// CommitRejection durably applies one rejected delivery: the receipt
// marker, the forwarding entry routing its value and the VoteRejected
// audit event, in one atomic batch.
func (s *Store) CommitRejection(receiptID common.Hash, fwd *models.ForwardingEntry, ev *models.AuditEvent) error {
	batch := new(leveldb.Batch)
	batch.Put(receiptKey(receiptID), []byte{1})

	s.forwardSeq++
	data, err := json.Marshal(fwd)
	if err != nil {
		return err
	}
	batch.Put(forwardKey(s.forwardSeq), data)
	batch.Put([]byte(keyForwardSeq), seqBytes(s.forwardSeq))

	if err := s.stageEvent(batch, ev); err != nil {
		return err
	}
	return s.db.Write(batch)
}
