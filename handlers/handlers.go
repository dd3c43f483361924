package handlers

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"votebridge/logger"
	"votebridge/models"
	"votebridge/settlement"
)

// Handler contains the HTTP handlers for the settlement API endpoints
type Handler struct {
	Engine *settlement.Engine
	// SignedVotes gates the identity-bound voting path
	SignedVotes bool
}

// NewHandler creates and returns a new Handler instance
func NewHandler(engine *settlement.Engine, signedVotes bool) *Handler {
	return &Handler{Engine: engine, SignedVotes: signedVotes}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type deliveryRequest struct {
	Caller     string `json:"caller"`
	ReceiptID  string `json:"receipt_id"`
	RawAmount  string `json:"raw_amount"`
	Asset      string `json:"asset"`
	LedgerTime int64  `json:"ledger_time"`
	Memo       string `json:"memo"` // hex-encoded memo bytes
}

type deliveryResponse struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
	Weight      string `json:"weight,omitempty"`
	StaleOracle bool   `json:"stale_oracle,omitempty"`
}

func outcomeResponse(out *settlement.Outcome) deliveryResponse {
	resp := deliveryResponse{
		Accepted:    out.Accepted,
		Reason:      string(out.Reason),
		StaleOracle: out.StaleOracle,
	}
	if out.Weight != nil {
		resp.Weight = out.Weight.String()
	}
	return resp
}

// Deliver is the transport boundary entry point. Only the configured
// transport address may call it; that check is the single condition
// that aborts the call. Every other input settles to a 200 with the
// value either tallied or routed to a fallback.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode delivery request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	amount, ok := new(big.Int).SetString(req.RawAmount, 10)
	if !ok || amount.Sign() < 0 {
		// Without a parseable amount there is no value to account for;
		// the authenticated transport is expected to retry correctly.
		writeError(w, http.StatusBadRequest, "Invalid raw_amount")
		return
	}

	d := &models.Delivery{
		Caller:     common.HexToAddress(req.Caller),
		ReceiptID:  common.HexToHash(req.ReceiptID),
		RawAmount:  amount,
		Asset:      common.HexToAddress(req.Asset),
		LedgerTime: req.LedgerTime,
		// malformed hex yields empty bytes, which settle as badPayload
		Memo: common.FromHex(req.Memo),
	}

	out, err := h.Engine.ProcessDelivery(d)
	if errors.Is(err, settlement.ErrUntrustedCaller) {
		logger.Logger.Warn("delivery from untrusted caller", zap.String("caller", req.Caller))
		writeError(w, http.StatusForbidden, "caller is not the trusted transport")
		return
	}
	if err != nil {
		logger.Logger.Error("Failed to settle delivery", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

type signedVoteRequest struct {
	ProposalID uint32 `json:"proposal_id"`
	ChoiceID   uint8  `json:"choice_id"`
	Nonce      uint32 `json:"nonce"`
	Signature  string `json:"signature"` // hex, 65-byte [R||S||V] recoverable signature
	RawAmount  string `json:"raw_amount,omitempty"`
	Asset      string `json:"asset,omitempty"`
	LedgerTime int64  `json:"ledger_time"`
}

// SignedVoteDigest is the preimage a voter signs to prove key ownership:
// keccak256(proposalId(4 BE) || choiceId(1) || nonce(4 BE)).
func SignedVoteDigest(proposalID uint32, choiceID uint8, nonce uint32) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint32(buf[0:4], proposalID)
	buf[4] = choiceID
	binary.BigEndian.PutUint32(buf[5:9], nonce)
	return crypto.Keccak256(buf)
}

// SignedVote verifies an identity-bound vote and settles it through the
// same engine pipeline with a synthetic receipt derived from the
// signature hash. The recovered signer address rides along as the hint.
func (h *Handler) SignedVote(w http.ResponseWriter, r *http.Request) {
	if !h.SignedVotes {
		writeError(w, http.StatusNotFound, "signed voting is not enabled")
		return
	}

	var req signedVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode signed vote", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	sig := common.FromHex(req.Signature)
	if len(sig) != crypto.SignatureLength {
		writeJSON(w, http.StatusBadRequest, deliveryResponse{Reason: string(models.ReasonBadSignature)})
		return
	}
	digest := SignedVoteDigest(req.ProposalID, req.ChoiceID, req.Nonce)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		logger.Logger.Info("signed vote with unrecoverable signature", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, deliveryResponse{Reason: string(models.ReasonBadSignature)})
		return
	}
	signer := crypto.PubkeyToAddress(*pub)

	var amount *big.Int
	var asset common.Address
	if req.RawAmount != "" {
		var ok bool
		amount, ok = new(big.Int).SetString(req.RawAmount, 10)
		if !ok || amount.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "Invalid raw_amount")
			return
		}
		asset = common.HexToAddress(req.Asset)
	}

	payload := &models.VotePayload{
		Version:    1,
		ProposalID: req.ProposalID,
		ChoiceID:   req.ChoiceID,
		Nonce:      req.Nonce,
	}
	receiptID := crypto.Keccak256Hash(sig)

	out, err := h.Engine.ProcessSignedVote(payload, receiptID, amount, asset, req.LedgerTime, signer.Bytes())
	if err != nil {
		logger.Logger.Error("Failed to settle signed vote", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse(out))
}

type createProposalRequest struct {
	ID            uint32 `json:"id"`
	ChoiceCount   uint8  `json:"choice_count"`
	OpensAt       int64  `json:"opens_at"`
	ClosesAt      int64  `json:"closes_at"`
	TreasuryRoute string `json:"treasury_route"`
}

// CreateProposal handles POST requests registering a new Draft proposal
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode proposal", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	p := &models.Proposal{
		ID:            req.ID,
		ChoiceCount:   req.ChoiceCount,
		OpensAt:       req.OpensAt,
		ClosesAt:      req.ClosesAt,
		TreasuryRoute: common.HexToAddress(req.TreasuryRoute),
	}
	if err := h.Engine.CreateProposal(p); err != nil {
		logger.Logger.Error("Failed to create proposal", zap.Error(err))
		writeError(w, adminStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Proposal created",
		"proposal": p,
	})
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, settlement.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrProposalExists),
		errors.Is(err, settlement.ErrBadState):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func proposalID(r *http.Request) (uint32, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	return uint32(id), err
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(uint32) error, msg string) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proposal id")
		return
	}
	if err := op(id); err != nil {
		logger.Logger.Error("Proposal transition failed",
			zap.Uint32("proposal_id", id), zap.Error(err))
		writeError(w, adminStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// OpenProposal handles POST requests transitioning Draft -> Open
func (h *Handler) OpenProposal(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Engine.OpenProposal, "Proposal opened")
}

// CloseProposal handles POST requests transitioning Open -> Closed
func (h *Handler) CloseProposal(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Engine.CloseProposal, "Proposal closed")
}

// ArchiveProposal handles POST requests transitioning Closed -> Archived
func (h *Handler) ArchiveProposal(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.Engine.ArchiveProposal, "Proposal archived")
}

// GetProposal handles GET requests for one proposal's metadata
func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proposal id")
		return
	}
	p, err := h.Engine.GetProposal(id)
	if err != nil {
		logger.Logger.Error("Failed to get proposal", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "proposal does not exist")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListProposals handles GET requests for all proposals
func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := h.Engine.ListProposals()
	if err != nil {
		logger.Logger.Error("Failed to list proposals", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

// GetTallies handles GET requests for a proposal's per-choice weights
func (h *Handler) GetTallies(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proposal id")
		return
	}
	tallies, err := h.Engine.Tallies(id)
	if err != nil {
		if errors.Is(err, settlement.ErrProposalNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Logger.Error("Failed to get tallies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]string, len(tallies))
	for i, t := range tallies {
		out[i] = t.String()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"proposal_id": id,
		"tallies":     out,
	})
}

// GetEvents handles GET requests for a proposal's audit log
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, err := proposalID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid proposal id")
		return
	}
	evs, err := h.Engine.Events(id)
	if err != nil {
		logger.Logger.Error("Failed to list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

// ListForwardings handles GET requests for the routed-value ledger
func (h *Handler) ListForwardings(w http.ResponseWriter, r *http.Request) {
	fwds, err := h.Engine.Forwardings()
	if err != nil {
		logger.Logger.Error("Failed to list forwardings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fwds)
}

type snapshotRequest struct {
	Asset      string `json:"asset"`
	Price      uint64 `json:"price"` // fixed point, 1e8 scale
	ObservedAt int64  `json:"observed_at"`
}

// PublishSnapshot handles POST requests from the oracle collaborator
func (h *Handler) PublishSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Logger.Error("Failed to decode snapshot", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	snap := &models.PriceSnapshot{
		Asset:      common.HexToAddress(req.Asset),
		Price:      req.Price,
		ObservedAt: req.ObservedAt,
	}
	if err := h.Engine.PublishSnapshot(snap); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "Snapshot recorded"})
}

// Health handles GET requests for liveness checks
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
