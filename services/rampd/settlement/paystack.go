package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public Paystack API endpoint.
const DefaultBaseURL = "https://api.paystack.co"

const (
	currencyNGN     = "NGN"
	bankCacheTTL    = time.Hour
	unknownBankName = "Unknown Bank"
)

var chargeChannels = []string{"card", "bank", "ussd", "qr", "mobile_money", "bank_transfer"}

// PaystackClient implements Gateway against the Paystack HTTP API.
type PaystackClient struct {
	secret  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	reason  string
	now     func() time.Time

	mu          sync.Mutex
	banks       []Bank
	banksLoaded time.Time
}

// ClientOption customises the Paystack client.
type ClientOption func(*PaystackClient)

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *PaystackClient) {
		if client != nil {
			c.http = client
		}
	}
}

// WithRateLimit throttles outbound requests. A non-positive rate disables the limiter.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *PaystackClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTransferReason sets the narration prefix attached to payouts.
func WithTransferReason(reason string) ClientOption {
	return func(c *PaystackClient) {
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			c.reason = trimmed
		}
	}
}

// NewPaystackClient constructs a client with sane defaults.
func NewPaystackClient(baseURL, secret string, opts ...ClientOption) *PaystackClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	client := &PaystackClient{
		secret:  strings.TrimSpace(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(10), 5),
		reason:  "Crypto Sale",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *PaystackClient) InitiateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("settlement: charge amount must be positive")
	}
	payload := map[string]any{
		"email":     req.Email,
		"amount":    req.AmountMinor,
		"reference": req.Reference,
		"currency":  currencyNGN,
		"channels":  chargeChannels,
	}
	var data struct {
		Reference        string `json:"reference"`
		AccessCode       string `json:"access_code"`
		AuthorizationURL string `json:"authorization_url"`
	}
	if err := c.do(ctx, http.MethodPost, "/charge", payload, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &Charge{Reference: data.Reference, AccessCode: data.AccessCode, AuthorizationURL: data.AuthorizationURL}, nil
}

func (c *PaystackClient) VerifyCharge(ctx context.Context, reference string) (*ChargeStatus, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("settlement: charge reference required")
	}
	var data struct {
		Status    string  `json:"status"`
		Amount    int64   `json:"amount"`
		Reference string  `json:"reference"`
		Channel   string  `json:"channel"`
		PaidAt    *string `json:"paid_at"`
	}
	if err := c.do(ctx, http.MethodGet, "/charge/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	status := &ChargeStatus{
		Status:      data.Status,
		AmountMinor: data.Amount,
		Reference:   data.Reference,
		Channel:     data.Channel,
	}
	if data.PaidAt != nil && *data.PaidAt != "" {
		if paid, err := time.Parse(time.RFC3339, *data.PaidAt); err == nil {
			status.PaidAt = &paid
		}
	}
	return status, nil
}

func (c *PaystackClient) CreateTransferRecipient(ctx context.Context, recipient Recipient) (string, error) {
	payload := map[string]any{
		"type":           "nuban",
		"name":           recipient.AccountName,
		"account_number": recipient.AccountNumber,
		"bank_code":      recipient.BankCode,
		"currency":       currencyNGN,
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := c.do(ctx, http.MethodPost, "/transferrecipient", payload, &data); err != nil {
		return "", err
	}
	if data.RecipientCode == "" {
		return "", &APIError{Path: "/transferrecipient", StatusCode: http.StatusOK, Message: "missing recipient code"}
	}
	return data.RecipientCode, nil
}

func (c *PaystackClient) InitiateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("settlement: transfer amount must be positive")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = fmt.Sprintf("%s - %s", c.reason, req.Reference)
	}
	payload := map[string]any{
		"source":    "balance",
		"amount":    req.AmountMinor,
		"recipient": req.RecipientCode,
		"reason":    reason,
		"reference": req.Reference,
		"currency":  currencyNGN,
	}
	var data struct {
		TransferCode string `json:"transfer_code"`
		Reference    string `json:"reference"`
		Status       string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/transfer", payload, &data); err != nil {
		return nil, err
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &Transfer{TransferCode: data.TransferCode, Reference: data.Reference, Status: data.Status}, nil
}

func (c *PaystackClient) VerifyTransfer(ctx context.Context, reference string) (*TransferStatus, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, fmt.Errorf("settlement: transfer reference required")
	}
	var data struct {
		Status    string `json:"status"`
		Amount    int64  `json:"amount"`
		Reference string `json:"reference"`
	}
	if err := c.do(ctx, http.MethodGet, "/transfer/verify/"+url.PathEscape(reference), nil, &data); err != nil {
		return nil, err
	}
	return &TransferStatus{Status: data.Status, AmountMinor: data.Amount, Reference: data.Reference}, nil
}

func (c *PaystackClient) ResolveBankAccount(ctx context.Context, accountNumber, bankCode string) (*BankAccount, error) {
	accountNumber = strings.TrimSpace(accountNumber)
	bankCode = strings.TrimSpace(bankCode)
	if accountNumber == "" || bankCode == "" {
		return nil, fmt.Errorf("%w: account number and bank code required", ErrAccountNotFound)
	}
	query := url.Values{}
	query.Set("account_number", accountNumber)
	query.Set("bank_code", bankCode)
	var data struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/bank/resolve?"+query.Encode(), nil, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, apiErr.Message)
		}
		return nil, err
	}
	account := &BankAccount{AccountNumber: accountNumber, AccountName: data.AccountName, BankName: unknownBankName}
	if banks, err := c.ListBanks(ctx); err == nil {
		for _, bank := range banks {
			if bank.Code == bankCode {
				account.BankName = bank.Name
				break
			}
		}
	}
	return account, nil
}

// ListBanks returns the bank directory, cached for an hour.
func (c *PaystackClient) ListBanks(ctx context.Context) ([]Bank, error) {
	c.mu.Lock()
	if c.banks != nil && c.now().Sub(c.banksLoaded) < bankCacheTTL {
		out := append([]Bank(nil), c.banks...)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	var data []Bank
	if err := c.do(ctx, http.MethodGet, "/bank?currency="+currencyNGN, nil, &data); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.banks = data
	c.banksLoaded = c.now()
	c.mu.Unlock()
	return append([]Bank(nil), data...), nil
}

func (c *PaystackClient) do(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return fmt.Errorf("settlement client not configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)
		}
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, pathOnly(path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransient, pathOnly(path), err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s status=%d", ErrTransient, pathOnly(path), resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		message := strings.TrimSpace(env.Message)
		if decodeErr != nil || message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Path: pathOnly(path), StatusCode: resp.StatusCode, Message: message}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s: %w", pathOnly(path), decodeErr)
	}
	if !env.Status {
		return &APIError{Path: pathOnly(path), StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", pathOnly(path), err)
	}
	return nil
}

// pathOnly strips the query so account numbers never land in error strings.
func pathOnly(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		return path[:idx]
	}
	return path
}
