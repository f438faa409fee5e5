package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/api"
	"github.com/atmx/raffle-engine/internal/epoch"
	"github.com/atmx/raffle-engine/internal/model"
	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/store"
	"github.com/atmx/raffle-engine/internal/token"
)

var (
	assetX = common.HexToAddress("0x0000000000000000000000000000000000001001")
	assetY = common.HexToAddress("0x0000000000000000000000000000000000001002")
	reward = common.HexToAddress("0x0000000000000000000000000000000000002001")
	start  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

type testEnv struct {
	router   chi.Router
	engine   *raffle.Engine
	vault    *token.Vault
	receipts *token.ReceiptBook
	coord    *randomness.LocalCoordinator
	now      *time.Time

	owner, alice, bob, oracle *ecdsa.PrivateKey
}

func addr(k *ecdsa.PrivateKey) common.Address { return crypto.PubkeyToAddress(k.PublicKey) }

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

// newTestEnv wires an engine over in-memory collaborators and the router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		owner:  newKey(t),
		alice:  newKey(t),
		bob:    newKey(t),
		oracle: newKey(t),
	}
	now := start.Add(time.Hour)
	env.now = &now

	custody := common.HexToAddress("0x00000000000000000000000000000000000000c0")
	ledger := store.NewMemoryLedger()
	env.vault = token.NewVault(custody, ledger)
	env.receipts = token.NewReceiptBook("https://raffle.test/receipts/", ledger)
	env.coord = randomness.NewLocalCoordinator(addr(env.oracle))

	ctx := context.Background()
	credit := func(asset, holder common.Address, n int64) {
		if err := env.vault.Credit(ctx, asset, holder, decimal.NewFromInt(n)); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	credit(reward, addr(env.owner), 100)
	for _, k := range []*ecdsa.PrivateKey{env.alice, env.bob} {
		credit(assetX, addr(k), 5)
		credit(assetY, addr(k), 5)
	}

	e, err := raffle.New(raffle.Params{
		Owner:           addr(env.owner),
		Clock:           epoch.Clock{Start: start, RoundLength: 24 * time.Hour, Rounds: 3},
		StakeAmount:     decimal.NewFromInt(1),
		Mode:            raffle.ModeStake,
		RepeatClaim:     raffle.RepeatClaimRevert,
		WinnersPerRound: 1,
		RewardAsset:     reward,
		RewardAmount:    decimal.NewFromInt(10),
		ScopeMode:       randomness.ScopeGlobal,
	}, raffle.Deps{
		Store:       store.NewMemoryStore(),
		Assets:      env.vault,
		Receipts:    env.receipts,
		Coordinator: env.coord,
		Now:         func() time.Time { return *env.now },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	env.coord.Bind(e)
	env.engine = e

	srv := api.NewServer(api.Options{
		Engine:         e,
		Receipts:       env.receipts,
		DevCoordinator: env.coord,
		Faucet:         env.vault,
		DevAPIKey:      "dev-key",
	})
	env.router = srv.Routes()
	return env
}

func (env *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// stamps hands out distinct timestamps inside the signature window so two
// identical calls in one test are not mistaken for a replay.
var stamps atomic.Int64

func signed(t *testing.T, key *ecdsa.PrivateKey, method, path string, body any) *http.Request {
	t.Helper()
	return signedAt(t, key, method, path, body, time.Now().Unix()-1-stamps.Add(1)%120)
}

func signedAt(t *testing.T, key *ecdsa.PrivateKey, method, path string, body any, ts int64) *http.Request {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	sig, err := api.SignRequest(key, method, path, ts, raw)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(api.HeaderSignature, sig)
	return req
}

func (env *testEnv) initRaffle(t *testing.T) {
	t.Helper()
	w := env.do(t, signed(t, env.owner, "POST", "/api/v1/raffle/init", api.InitRequest{
		StakeAssets:    []string{assetX.Hex(), assetY.Hex(), assetY.Hex()},
		SponsorAssets:  []string{common.Address{}.Hex(), common.Address{}.Hex(), common.Address{}.Hex()},
		SponsorAmounts: []decimal.Decimal{decimal.Zero, decimal.Zero, decimal.Zero},
	}))
	if w.Code != http.StatusCreated {
		t.Fatalf("init: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStakeDrawClaim(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)

	w := env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()}))
	if w.Code != http.StatusCreated {
		t.Fatalf("stake: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var pos model.Position
	json.Unmarshal(w.Body.Bytes(), &pos)
	if pos.ReceiptID != 0 || pos.Depositor != addr(env.alice) {
		t.Fatalf("unexpected position %+v", pos)
	}

	w = env.do(t, signed(t, env.alice, "POST", "/api/v1/claims/0", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("early claim: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	*env.now = start.Add(24 * time.Hour)
	w = env.do(t, httptest.NewRequest("POST", "/api/v1/randomness/requests", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("request: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var req model.RandomnessRequest
	json.Unmarshal(w.Body.Bytes(), &req)

	w = env.do(t, httptest.NewRequest("POST", "/api/v1/randomness/requests", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("second request: expected 409, got %d", w.Code)
	}

	fulfill := api.FulfillRequest{RequestID: req.RequestID.Hex(), Value: "770"}
	w = env.do(t, signed(t, env.alice, "POST", "/api/v1/randomness/fulfill", fulfill))
	if w.Code != http.StatusForbidden {
		t.Fatalf("fulfill by non-oracle: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	w = env.do(t, signed(t, env.oracle, "POST", "/api/v1/randomness/fulfill", fulfill))
	if w.Code != http.StatusOK {
		t.Fatalf("fulfill: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var winners []model.Winner
	json.Unmarshal(w.Body.Bytes(), &winners)
	if len(winners) != 1 || winners[0].ReceiptID != 0 {
		t.Fatalf("unexpected winners %+v", winners)
	}

	w = env.do(t, signed(t, env.bob, "POST", "/api/v1/claims/0", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("claim by non-holder: expected 403, got %d", w.Code)
	}

	w = env.do(t, signed(t, env.alice, "POST", "/api/v1/claims/0", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var s model.Settlement
	json.Unmarshal(w.Body.Bytes(), &s)
	if !s.Winner || len(s.Payouts) != 2 {
		t.Errorf("unexpected settlement %+v", s)
	}
	bal, _ := env.vault.BalanceOf(context.Background(), reward, addr(env.alice))
	if !bal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("reward balance = %s, want 10", bal)
	}

	w = env.do(t, signed(t, env.alice, "POST", "/api/v1/claims/0", nil))
	if w.Code != http.StatusConflict {
		t.Errorf("repeat claim: expected 409, got %d", w.Code)
	}
}

func TestSignedRoutes_RejectBadAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/stakes", bytes.NewReader([]byte(`{"asset":"`+assetX.Hex()+`"}`)))
	if w := env.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: expected 401, got %d", w.Code)
	}

	req = signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()})
	req.Header.Set(api.HeaderTimestamp, strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))
	if w := env.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("stale: expected 401, got %d", w.Code)
	}

	req = signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()})
	req.Header.Set(api.HeaderSignature, "0xdeadbeef")
	if w := env.do(t, req); w.Code != http.StatusUnauthorized {
		t.Errorf("malformed signature: expected 401, got %d", w.Code)
	}

	// A signature by someone else recovers a different caller.
	w := env.do(t, signed(t, env.alice, "POST", "/api/v1/raffle/init", api.InitRequest{}))
	if w.Code != http.StatusForbidden {
		t.Errorf("init by non-owner: expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignedRoutes_RejectReplay(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)

	ts := time.Now().Unix()
	stake := api.StakeRequest{Asset: assetX.Hex()}
	if w := env.do(t, signedAt(t, env.alice, "POST", "/api/v1/stakes", stake, ts)); w.Code != http.StatusCreated {
		t.Fatalf("stake: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w := env.do(t, signedAt(t, env.alice, "POST", "/api/v1/stakes", stake, ts))
	if w.Code != http.StatusConflict {
		t.Fatalf("replayed stake: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	bal, _ := env.vault.BalanceOf(context.Background(), assetX, addr(env.alice))
	if !bal.Equal(decimal.NewFromInt(4)) {
		t.Errorf("alice balance = %s, want 4 after one stake", bal)
	}

	// The same request signed at a new time is a new request.
	if w := env.do(t, signedAt(t, env.alice, "POST", "/api/v1/stakes", stake, ts-1)); w.Code != http.StatusCreated {
		t.Errorf("fresh stake: expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStake_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)

	w := env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: "not-an-address"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad address: expected 400, got %d", w.Code)
	}

	w = env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetY.Hex()}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("wrong round asset: expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestTransferReceipt(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)
	env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()}))

	body := api.TransferRequest{To: addr(env.bob).Hex()}
	if w := env.do(t, signed(t, env.bob, "POST", "/api/v1/receipts/0/transfer", body)); w.Code != http.StatusForbidden {
		t.Errorf("transfer by non-holder: expected 403, got %d", w.Code)
	}
	if w := env.do(t, signed(t, env.alice, "POST", "/api/v1/receipts/0/transfer", body)); w.Code != http.StatusOK {
		t.Fatalf("transfer: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/receipts/0", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get receipt: expected 200, got %d", w.Code)
	}
	var rr api.ReceiptResponse
	json.Unmarshal(w.Body.Bytes(), &rr)
	if rr.Owner != addr(env.bob) {
		t.Errorf("owner = %s, want bob", rr.Owner.Hex())
	}
	if rr.TokenURI != "https://raffle.test/receipts/0" {
		t.Errorf("token uri = %q", rr.TokenURI)
	}
	if rr.Position == nil || rr.Position.Depositor != addr(env.alice) {
		t.Errorf("position should still name alice as depositor: %+v", rr.Position)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/receipts/7", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing receipt: expected 404, got %d", w.Code)
	}
}

func TestDevFulfill(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)
	env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()}))
	*env.now = start.Add(24 * time.Hour)

	req, err := env.engine.RequestRandomness(context.Background())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	raw, _ := json.Marshal(api.FulfillRequest{RequestID: req.RequestID.Hex(), Value: "0x2a"})

	r := httptest.NewRequest("POST", "/api/v1/dev/fulfill", bytes.NewReader(raw))
	if w := env.do(t, r); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: expected 401, got %d", w.Code)
	}

	r = httptest.NewRequest("GET", "/api/v1/dev/pending", nil)
	r.Header.Set(api.HeaderAPIKey, "dev-key")
	w := env.do(t, r)
	var pending []common.Hash
	json.Unmarshal(w.Body.Bytes(), &pending)
	if w.Code != http.StatusOK || len(pending) != 1 || pending[0] != req.RequestID {
		t.Fatalf("pending: got %d %v, want [%s]", w.Code, pending, req.RequestID.Hex())
	}

	r = httptest.NewRequest("POST", "/api/v1/dev/fulfill", bytes.NewReader(raw))
	r.Header.Set(api.HeaderAPIKey, "dev-key")
	w = env.do(t, r)
	if w.Code != http.StatusOK {
		t.Fatalf("dev fulfill: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(env.coord.Pending()) != 0 {
		t.Error("coordinator should have no pending requests")
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/randomness/requests/"+req.RequestID.Hex(), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get request: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var got model.RandomnessRequest
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != model.RequestFulfilled || got.Round != 0 {
		t.Errorf("unexpected request %+v", got)
	}

	missing := common.HexToHash("0xdead").Hex()
	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/randomness/requests/"+missing, nil)); w.Code != http.StatusNotFound {
		t.Errorf("unknown request: expected 404, got %d", w.Code)
	}
	if w := env.do(t, httptest.NewRequest("GET", "/api/v1/randomness/requests/0x12", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("short request id: expected 400, got %d", w.Code)
	}
}

func TestListWinners_FilterByRound(t *testing.T) {
	env := newTestEnv(t)
	env.initRaffle(t)
	env.do(t, signed(t, env.alice, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()}))
	env.do(t, signed(t, env.bob, "POST", "/api/v1/stakes", api.StakeRequest{Asset: assetX.Hex()}))
	*env.now = start.Add(48 * time.Hour)

	for i := 0; i < 2; i++ {
		req, err := env.engine.RequestRandomness(context.Background())
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if err := env.coord.Fulfill(context.Background(), req.RequestID, common.Big1); err != nil {
			t.Fatalf("fulfill %d: %v", i, err)
		}
	}

	w := env.do(t, httptest.NewRequest("GET", "/api/v1/winners?round=1", nil))
	var winners []model.Winner
	json.Unmarshal(w.Body.Bytes(), &winners)
	if len(winners) != 1 || winners[0].Round != 1 {
		t.Fatalf("expected one round-1 winner, got %+v", winners)
	}

	w = env.do(t, httptest.NewRequest("GET", "/api/v1/winners?round=x", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad round: expected 400, got %d", w.Code)
	}
}
