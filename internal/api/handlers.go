package api

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/model"
)

// --- Request/Response types ---

// InitRequest is the JSON body for POST /raffle/init.
type InitRequest struct {
	StakeAssets    []string          `json:"stake_assets" validate:"dive,eth_addr"`
	SponsorAssets  []string          `json:"sponsor_assets" validate:"dive,eth_addr"`
	SponsorAmounts []decimal.Decimal `json:"sponsor_amounts"`
}

// StakeRequest is the JSON body for POST /stakes.
type StakeRequest struct {
	Asset string `json:"asset" validate:"required,eth_addr"`
}

// TransferRequest is the JSON body for POST /receipts/{id}/transfer.
type TransferRequest struct {
	To string `json:"to" validate:"required,eth_addr"`
}

// FulfillRequest carries a random value for an outstanding request. Value is
// a decimal or 0x-prefixed hex integer below 2^256.
type FulfillRequest struct {
	RequestID string `json:"request_id" validate:"required,hexadecimal,len=66"`
	Value     string `json:"value" validate:"required"`
}

// FaucetRequest is the JSON body for POST /dev/faucet.
type FaucetRequest struct {
	Asset  string          `json:"asset" validate:"required,eth_addr"`
	To     string          `json:"to" validate:"required,eth_addr"`
	Amount decimal.Decimal `json:"amount"`
}

// ReceiptResponse describes one receipt and the position behind it.
type ReceiptResponse struct {
	ReceiptID uint64          `json:"receipt_id"`
	Owner     common.Address  `json:"owner"`
	TokenURI  string          `json:"token_uri"`
	Position  *model.Position `json:"position"`
}

func addresses(in []string) []common.Address {
	out := make([]common.Address, len(in))
	for i, s := range in {
		out[i] = common.HexToAddress(s)
	}
	return out
}

func requestParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw, err := hexutil.Decode(chi.URLParam(r, "requestID"))
	if err != nil || len(raw) != common.HashLength {
		writeError(w, "invalid request id", http.StatusBadRequest)
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func receiptParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "receiptID"), 10, 64)
	if err != nil {
		writeError(w, "invalid receipt id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// --- Reads ---

// GetRaffle handles GET /api/v1/raffle
func (s *Server) GetRaffle(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetAudit handles GET /api/v1/raffle/audit
func (s *Server) GetAudit(w http.ResponseWriter, r *http.Request) {
	audit, err := s.engine.Audit(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

// ListPositions handles GET /api/v1/positions
// Optional filters: ?depositor=<address>, ?open=true.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	q := r.URL.Query()
	depositor := q.Get("depositor")
	if depositor != "" && !common.IsHexAddress(depositor) {
		writeError(w, "invalid depositor address", http.StatusBadRequest)
		return
	}
	onlyOpen := q.Get("open") == "true"

	filtered := []model.Position{}
	for _, p := range positions {
		if depositor != "" && p.Depositor != common.HexToAddress(depositor) {
			continue
		}
		if onlyOpen && p.Closed {
			continue
		}
		filtered = append(filtered, p)
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetPosition handles GET /api/v1/positions/{receiptID}
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := receiptParam(w, r)
	if !ok {
		return
	}
	pos, err := s.engine.Position(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ListWinners handles GET /api/v1/winners
// Optional filter: ?round=<n>.
func (s *Server) ListWinners(w http.ResponseWriter, r *http.Request) {
	winners, err := s.engine.Winners(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if winners == nil {
		winners = []model.Winner{}
	}

	if rs := r.URL.Query().Get("round"); rs != "" {
		round, err := strconv.Atoi(rs)
		if err != nil {
			writeError(w, "invalid round", http.StatusBadRequest)
			return
		}
		filtered := []model.Winner{}
		for _, win := range winners {
			if win.Round == round {
				filtered = append(filtered, win)
			}
		}
		winners = filtered
	}
	writeJSON(w, http.StatusOK, winners)
}

// ListRequests handles GET /api/v1/randomness/requests
func (s *Server) ListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.engine.Requests(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []model.RandomnessRequest{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

// GetRequest handles GET /api/v1/randomness/requests/{requestID}
func (s *Server) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := requestParam(w, r)
	if !ok {
		return
	}
	req, err := s.engine.Request(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetReceipt handles GET /api/v1/receipts/{receiptID}
func (s *Server) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := receiptParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	owner, err := s.receipts.OwnerOf(ctx, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	uri, err := s.receipts.TokenURI(ctx, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	pos, err := s.engine.Position(ctx, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReceiptResponse{ReceiptID: id, Owner: owner, TokenURI: uri, Position: pos})
}

// ListAccountReceipts handles GET /api/v1/accounts/{address}/receipts
func (s *Server) ListAccountReceipts(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		writeError(w, "invalid address", http.StatusBadRequest)
		return
	}
	ids, err := s.receipts.TokensOf(r.Context(), common.HexToAddress(addr))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, ids)
}

// --- Writes ---

// RequestRandomness handles POST /api/v1/randomness/requests
// Anyone may trigger the draw of the lowest ended, undrawn round.
func (s *Server) RequestRandomness(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.RequestRandomness(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, req)
}

// Init handles POST /api/v1/raffle/init (signed by the owner).
func (s *Server) Init(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var req InitRequest
	if !s.decode(w, r, &req) {
		return
	}
	setup, err := s.engine.Init(r.Context(), from,
		addresses(req.StakeAssets), addresses(req.SponsorAssets), req.SponsorAmounts)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setup)
}

// Stake handles POST /api/v1/stakes
func (s *Server) Stake(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var req StakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	pos, err := s.engine.Stake(r.Context(), from, common.HexToAddress(req.Asset))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// Claim handles POST /api/v1/claims/{receiptID}
func (s *Server) Claim(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := receiptParam(w, r)
	if !ok {
		return
	}
	settlement, err := s.engine.Claim(r.Context(), from, id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// ClaimAll handles POST /api/v1/claims
func (s *Server) ClaimAll(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	settlements, err := s.engine.ClaimAll(r.Context(), from)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

// TransferReceipt handles POST /api/v1/receipts/{receiptID}/transfer
func (s *Server) TransferReceipt(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := receiptParam(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !s.decode(w, r, &req) {
		return
	}
	to := common.HexToAddress(req.To)
	if err := s.receipts.Transfer(r.Context(), from, to, id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	slog.Info("receipt transferred", "receipt", id, "from", from.Hex(), "to", to.Hex())
	writeJSON(w, http.StatusOK, map[string]any{"receipt_id": id, "owner": to})
}

// Fulfill handles POST /api/v1/randomness/fulfill (signed by the oracle).
func (s *Server) Fulfill(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	var req FulfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	value, ok := math.ParseBig256(req.Value)
	if !ok {
		writeError(w, "value must be an integer below 2^256", http.StatusBadRequest)
		return
	}
	winners, err := s.engine.Resolve(r.Context(), from, common.HexToHash(req.RequestID), value)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winners)
}

// --- Dev ---

// DevFulfill handles POST /api/v1/dev/fulfill: relays a value through the
// local coordinator as if the oracle had answered.
func (s *Server) DevFulfill(w http.ResponseWriter, r *http.Request) {
	var req FulfillRequest
	if !s.decode(w, r, &req) {
		return
	}
	value, ok := math.ParseBig256(req.Value)
	if !ok {
		writeError(w, "value must be an integer below 2^256", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if err := s.devCoord.Fulfill(ctx, common.HexToHash(req.RequestID), value); err != nil {
		writeEngineError(w, r, err)
		return
	}
	winners, err := s.engine.Winners(ctx)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, winners)
}

// DevPending handles GET /api/v1/dev/pending: the requests the local
// coordinator still waits to fulfill.
func (s *Server) DevPending(w http.ResponseWriter, _ *http.Request) {
	ids := s.devCoord.Pending()
	slices.SortFunc(ids, func(a, b common.Hash) int { return a.Cmp(b) })
	writeJSON(w, http.StatusOK, ids)
}

// DevFaucet handles POST /api/v1/dev/faucet
func (s *Server) DevFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	asset, to := common.HexToAddress(req.Asset), common.HexToAddress(req.To)
	if err := s.faucet.Credit(r.Context(), asset, to, req.Amount); err != nil {
		writeEngineError(w, r, err)
		return
	}
	slog.Info("faucet credit", "asset", asset.Hex(), "to", to.Hex(), "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, req)
}
