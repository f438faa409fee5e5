// Package api exposes the raffle engine over HTTP and websocket.
//
// Reads are public. State-changing calls are signed by the caller's
// Ethereum key (see SigningMessage); the recovered address is the account the
// engine acts for. The randomness callback is an ordinary signed call whose
// signer must be the coordinator's oracle address.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/atmx/raffle-engine/internal/metrics"
	"github.com/atmx/raffle-engine/internal/raffle"
	"github.com/atmx/raffle-engine/internal/randomness"
	"github.com/atmx/raffle-engine/internal/store"
)

// ReceiptRegistry is the receipt surface the API reads and lets holders
// transfer through.
type ReceiptRegistry interface {
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	TokensOf(ctx context.Context, owner common.Address) ([]uint64, error)
	TokenURI(ctx context.Context, id uint64) (string, error)
	Transfer(ctx context.Context, caller, to common.Address, id uint64) error
}

// Faucet mints test balances. Only wired in dev mode.
type Faucet interface {
	Credit(ctx context.Context, asset, holder common.Address, amount decimal.Decimal) error
}

// SeenSet remembers accepted signatures until they can no longer pass the
// timestamp check. MarkSeen reports false for a key already held.
type SeenSet interface {
	MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Options configures a Server. Hub, DevCoordinator and Faucet are optional.
// A nil Seen keeps accepted signatures in process memory.
type Options struct {
	Engine          *raffle.Engine
	Receipts        ReceiptRegistry
	Hub             *WSHub
	DevCoordinator  *randomness.LocalCoordinator
	Faucet          Faucet
	Seen            SeenSet
	DevAPIKey       string
	SignatureWindow time.Duration
	RequestTimeout  time.Duration
	Now             func() time.Time
}

// Server holds the HTTP handlers.
type Server struct {
	engine          *raffle.Engine
	receipts        ReceiptRegistry
	hub             *WSHub
	devCoord        *randomness.LocalCoordinator
	faucet          Faucet
	seen            SeenSet
	devAPIKey       string
	signatureWindow time.Duration
	requestTimeout  time.Duration
	now             func() time.Time
	validate        *validator.Validate
}

// NewServer creates the handler set.
func NewServer(o Options) *Server {
	s := &Server{
		engine:          o.Engine,
		receipts:        o.Receipts,
		hub:             o.Hub,
		devCoord:        o.DevCoordinator,
		faucet:          o.Faucet,
		seen:            o.Seen,
		devAPIKey:       o.DevAPIKey,
		signatureWindow: o.SignatureWindow,
		requestTimeout:  o.RequestTimeout,
		now:             o.Now,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
	}
	if s.signatureWindow <= 0 {
		s.signatureWindow = 5 * time.Minute
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.seen == nil {
		s.seen = store.NewMemorySeenSet(s.now)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderTimestamp+", "+HeaderSignature)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.requestTimeout))

			r.Get("/raffle", s.GetRaffle)
			r.Get("/raffle/audit", s.GetAudit)
			r.Get("/positions", s.ListPositions)
			r.Get("/positions/{receiptID}", s.GetPosition)
			r.Get("/winners", s.ListWinners)
			r.Get("/randomness/requests", s.ListRequests)
			r.Post("/randomness/requests", s.RequestRandomness)
			r.Get("/randomness/requests/{requestID}", s.GetRequest)
			r.Get("/receipts/{receiptID}", s.GetReceipt)
			r.Get("/accounts/{address}/receipts", s.ListAccountReceipts)

			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Post("/raffle/init", s.Init)
				r.Post("/stakes", s.Stake)
				r.Post("/claims", s.ClaimAll)
				r.Post("/claims/{receiptID}", s.Claim)
				r.Post("/receipts/{receiptID}/transfer", s.TransferReceipt)
				r.Post("/randomness/fulfill", s.Fulfill)
			})

			if s.devAPIKey != "" && (s.devCoord != nil || s.faucet != nil) {
				r.Route("/dev", func(r chi.Router) {
					r.Use(s.requireAPIKey)
					if s.devCoord != nil {
						r.Post("/fulfill", s.DevFulfill)
						r.Get("/pending", s.DevPending)
					}
					if s.faucet != nil {
						r.Post("/faucet", s.DevFaucet)
					}
				})
			}
		})
	})
	return r
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "raffle-engine"})
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// caller returns the authenticated address or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := Caller(r.Context())
	if !ok {
		writeError(w, "unauthenticated", http.StatusUnauthorized)
	}
	return addr, ok
}
