package randomness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// ErrCoordinator wraps failures talking to the coordinator.
var ErrCoordinator = errors.New("randomness: coordinator error")

// Request is what the engine asks the coordinator for.
type Request struct {
	KeyHash  common.Hash
	Fee      decimal.Decimal
	Seed     *big.Int
	Consumer common.Address
}

// Coordinator issues randomness requests. Its Address is the only caller
// allowed to deliver fulfillments.
type Coordinator interface {
	RequestRandomness(ctx context.Context, req Request) (common.Hash, error)
	Address() common.Address
}

// Consumer receives fulfillments.
type Consumer interface {
	FulfillRandomness(ctx context.Context, caller common.Address, requestID common.Hash, value *big.Int) error
}

// RequestID derives a request id the way VRF coordinators do:
// keccak256(keyHash ‖ uint256(seed) ‖ consumer ‖ uint256(nonce)).
func RequestID(keyHash common.Hash, seed *big.Int, consumer common.Address, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(
		keyHash.Bytes(),
		math.U256Bytes(new(big.Int).Set(seed)),
		common.LeftPadBytes(consumer.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32),
	)
}

// LocalCoordinator records requests and relays values supplied by an
// operator or a test. It does not generate randomness.
type LocalCoordinator struct {
	addr common.Address

	mu       sync.Mutex
	nonce    uint64
	consumer Consumer
	requests map[common.Hash]Request
}

// NewLocalCoordinator creates a coordinator that answers as addr.
func NewLocalCoordinator(addr common.Address) *LocalCoordinator {
	return &LocalCoordinator{
		addr:     addr,
		requests: make(map[common.Hash]Request),
	}
}

// Bind sets the consumer that Fulfill delivers to.
func (c *LocalCoordinator) Bind(consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = consumer
}

func (c *LocalCoordinator) Address() common.Address { return c.addr }

func (c *LocalCoordinator) RequestRandomness(_ context.Context, req Request) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := RequestID(req.KeyHash, req.Seed, req.Consumer, c.nonce)
	c.nonce++
	c.requests[id] = req
	return id, nil
}

// Pending returns the ids of requests not yet fulfilled.
func (c *LocalCoordinator) Pending() []common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]common.Hash, 0, len(c.requests))
	for id := range c.requests {
		ids = append(ids, id)
	}
	return ids
}

// Fulfill delivers value for requestID to the bound consumer. The request is
// forgotten only when the consumer accepts it.
func (c *LocalCoordinator) Fulfill(ctx context.Context, requestID common.Hash, value *big.Int) error {
	c.mu.Lock()
	consumer := c.consumer
	_, known := c.requests[requestID]
	c.mu.Unlock()

	if consumer == nil {
		return fmt.Errorf("%w: no consumer bound", ErrCoordinator)
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID.Hex())
	}
	if err := consumer.FulfillRandomness(ctx, c.addr, requestID, value); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.requests, requestID)
	c.mu.Unlock()
	return nil
}

// HTTPCoordinator forwards requests to a VRF gateway over HTTP. The gateway
// answers later by calling the engine's fulfillment endpoint, signed by the
// oracle key whose address is configured here.
type HTTPCoordinator struct {
	url         string
	oracle      common.Address
	callbackURL string
	client      *http.Client
}

// NewHTTPCoordinator creates a gateway client.
func NewHTTPCoordinator(url string, oracle common.Address, callbackURL string, timeout time.Duration) *HTTPCoordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCoordinator{
		url:         url,
		oracle:      oracle,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCoordinator) Address() common.Address { return c.oracle }

type gatewayRequest struct {
	KeyHash     common.Hash    `json:"key_hash"`
	Seed        string         `json:"seed"`
	Fee         string         `json:"fee"`
	Consumer    common.Address `json:"consumer"`
	CallbackURL string         `json:"callback_url,omitempty"`
}

type gatewayResponse struct {
	RequestID common.Hash `json:"request_id"`
}

func (c *HTTPCoordinator) RequestRandomness(ctx context.Context, req Request) (common.Hash, error) {
	body, err := json.Marshal(gatewayRequest{
		KeyHash:     req.KeyHash,
		Seed:        req.Seed.String(),
		Fee:         req.Fee.String(),
		Consumer:    req.Consumer,
		CallbackURL: c.callbackURL,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: encode request: %v", ErrCoordinator, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: build request: %v", ErrCoordinator, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrCoordinator, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return common.Hash{}, fmt.Errorf("%w: gateway returned %d: %s", ErrCoordinator, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Hash{}, fmt.Errorf("%w: decode response: %v", ErrCoordinator, err)
	}
	if out.RequestID == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: gateway returned an empty request id", ErrCoordinator)
	}
	return out.RequestID, nil
}
