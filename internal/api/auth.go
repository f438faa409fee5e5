package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signed requests carry a unix timestamp and an EIP-191 personal-sign
// signature over SigningMessage. The recovered address is the caller.
const (
	HeaderTimestamp = "X-Raffle-Timestamp"
	HeaderSignature = "X-Raffle-Signature"
	HeaderAPIKey    = "X-API-Key"

	maxBodyBytes = 1 << 20
)

var (
	errMissingSignature = errors.New("missing signature headers")
	errStaleSignature   = errors.New("signature timestamp outside the accepted window")
	errBadSignature     = errors.New("invalid signature")
	errReplayed         = errors.New("signature already used")
)

type callerKey struct{}

// Caller returns the address recovered by the signature middleware.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// SigningMessage is the text a caller signs for one request.
func SigningMessage(method, path string, timestamp int64, body []byte) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, crypto.Keccak256Hash(body).Hex())
}

// SignRequest signs a request with key and returns the signature header value.
func SignRequest(key *ecdsa.PrivateKey, method, path string, timestamp int64, body []byte) (string, error) {
	hash := accounts.TextHash([]byte(SigningMessage(method, path, timestamp, body)))
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// recoverSigner returns the address that produced sig over msg.
func recoverSigner(msg string, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, errBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, errBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// authenticate verifies the signature headers and stores the caller in the
// request context. The body is buffered and restored for the handler.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tsHeader := r.Header.Get(HeaderTimestamp)
		sigHeader := r.Header.Get(HeaderSignature)
		if tsHeader == "" || sigHeader == "" {
			writeError(w, errMissingSignature.Error(), http.StatusUnauthorized)
			return
		}
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			writeError(w, "invalid "+HeaderTimestamp, http.StatusUnauthorized)
			return
		}
		skew := s.now().Sub(time.Unix(ts, 0))
		if skew > s.signatureWindow || skew < -s.signatureWindow {
			writeError(w, errStaleSignature.Error(), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		msg := SigningMessage(r.Method, r.URL.Path, ts, body)
		caller, err := recoverSigner(msg, sigHeader)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}

		// A timestamp is accepted for signatureWindow either side of now, so
		// a request must be remembered for twice that. The key ignores the
		// signature bytes so a re-encoded signature is still a repeat.
		key := crypto.Keccak256Hash(caller.Bytes(), []byte(msg)).Hex()
		fresh, err := s.seen.MarkSeen(r.Context(), key, 2*s.signatureWindow)
		if err != nil {
			slog.Error("replay check failed", "caller", caller.Hex(), "err", err)
			writeError(w, "replay check unavailable", http.StatusServiceUnavailable)
			return
		}
		if !fresh {
			writeError(w, errReplayed.Error(), http.StatusConflict)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIKey guards the dev endpoints.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if s.devAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.devAPIKey)) != 1 {
			writeError(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
