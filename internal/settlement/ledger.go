// Package settlement submits payout transfers to the ledger collaborator.
//
// The ledger is the only side effect with real financial consequence. It is
// treated as non-idempotent; every transfer carries a Reference the ledger
// may use to deduplicate.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidTransfer = errors.New("settlement: invalid transfer")
	ErrNoTransactionID = errors.New("settlement: ledger returned no transaction id")
)

// Transfer is one funds transfer request.
type Transfer struct {
	PayeeAddress string          `json:"payee_address"`
	Amount       decimal.Decimal `json:"amount"`
	EvidenceHash string          `json:"evidence_hash"`
	Reference    string          `json:"reference"`
}

func (t Transfer) validate() error {
	if t.PayeeAddress == "" {
		return fmt.Errorf("%w: payee address required", ErrInvalidTransfer)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidTransfer, t.Amount)
	}
	return nil
}

// LedgerError is a non-2xx ledger response.
type LedgerError struct {
	Code int
	Body string
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("settlement: ledger status %d: %s", e.Code, e.Body)
}

// HTTPLedger submits transfers to POST {baseURL}/transfers.
type HTTPLedger struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPLedger creates a ledger client. Callers bound each call with a
// context deadline; timeout is the transport ceiling.
func NewHTTPLedger(baseURL, token string, timeout time.Duration) *HTTPLedger {
	return &HTTPLedger{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transferResponse struct {
	TransactionID string `json:"transaction_id"`
}

// Settle submits t and returns the ledger transaction id.
func (l *HTTPLedger) Settle(ctx context.Context, t Transfer) (string, error) {
	if err := t.validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	if t.Reference != "" {
		req.Header.Set("Idempotency-Key", t.Reference)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read ledger response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &LedgerError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	var out transferResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode ledger response: %w", err)
	}
	if out.TransactionID == "" {
		return "", ErrNoTransactionID
	}
	return out.TransactionID, nil
}

// SimulatedLedger settles in memory. It deduplicates by reference the way
// a production ledger is expected to. Used when no ledger URL is configured
// and in tests.
type SimulatedLedger struct {
	mu        sync.Mutex
	byRef     map[string]string
	transfers []Transfer
	failures  []error
}

// NewSimulatedLedger creates an empty simulated ledger.
func NewSimulatedLedger() *SimulatedLedger {
	return &SimulatedLedger{byRef: make(map[string]string)}
}

// FailNext queues errors returned by the next Settle calls, in order.
func (l *SimulatedLedger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

func (l *SimulatedLedger) Settle(ctx context.Context, t Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := t.validate(); err != nil {
		return "", err
	}
	if t.Reference != "" {
		if _, err := ParseReference(t.Reference); err != nil {
			return "", err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return "", err
	}
	if id, ok := l.byRef[t.Reference]; ok && t.Reference != "" {
		return id, nil
	}

	id := "sim-" + uuid.NewString()
	if t.Reference != "" {
		l.byRef[t.Reference] = id
	}
	l.transfers = append(l.transfers, t)
	return id, nil
}

// Transfers returns a copy of every distinct transfer settled.
func (l *SimulatedLedger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, len(l.transfers))
	copy(out, l.transfers)
	return out
}
