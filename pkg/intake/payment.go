package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ncolesummers/handywriterz/pkg/domain"
)

// HTTPPaymentVerifier looks up transactions at GET <base>/transactions/{id}
type HTTPPaymentVerifier struct {
	baseURL    string
	httpClient *http.Client
}

type transactionResponse struct {
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
}

// NewHTTPPaymentVerifier creates a verifier for the payment service
func NewHTTPPaymentVerifier(baseURL string, timeout time.Duration) *HTTPPaymentVerifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPaymentVerifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Verify fetches the settlement state of a transaction
func (v *HTTPPaymentVerifier) Verify(ctx context.Context, transactionID string) (*domain.Payment, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, domain.NewError(domain.ErrInvalidInput, "payment_transaction_id is required")
	}

	endpoint := v.baseURL + "/transactions/" + url.PathEscape(transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, domain.ProviderFailure("payment", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.NewError(domain.ErrInvalidInput, fmt.Sprintf("unknown payment transaction %q", transactionID))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, domain.ProviderFailure("payment", fmt.Errorf("payment service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var out transactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.ProviderFailure("payment", fmt.Errorf("failed to decode payment response: %w", err))
	}
	if out.TransactionID == "" {
		out.TransactionID = transactionID
	}

	return &domain.Payment{
		TransactionID: out.TransactionID,
		Amount:        out.Amount,
		Currency:      strings.ToUpper(out.Currency),
		Status:        paymentStatus(out.Status),
	}, nil
}

func paymentStatus(s string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "confirmed", "succeeded", "paid":
		return domain.PaymentConfirmed
	case "pending", "processing", "unconfirmed":
		return domain.PaymentPending
	default:
		return domain.PaymentRejected
	}
}

// Pricing turns a word count into the amount a request costs
type Pricing struct {
	PricePerPage float64
	WordsPerPage int
	Currency     string
}

// DefaultPricing charges 12.00 GBP per 275 word page
func DefaultPricing() Pricing {
	return Pricing{PricePerPage: 12.00, WordsPerPage: 275, Currency: "GBP"}
}

// Pages returns the billable page count, at least one
func (p Pricing) Pages(wordCount int) int {
	perPage := p.WordsPerPage
	if perPage <= 0 {
		perPage = 275
	}
	pages := wordCount / perPage
	if pages < 1 {
		return 1
	}
	return pages
}

// Quote returns the expected amount for a word count, rounded to cents
func (p Pricing) Quote(wordCount int) float64 {
	return math.Round(float64(p.Pages(wordCount))*p.PricePerPage*100) / 100
}

// Admit decides whether a payment admits a request of the given size. A
// pending payment is neither admitted nor an error; the caller parks the
// request until the payment settles.
func (p Pricing) Admit(payment *domain.Payment, wordCount int) (bool, error) {
	if payment == nil {
		return false, domain.NewError(domain.ErrInvalidInput, "payment is required")
	}

	switch payment.Status {
	case domain.PaymentPending:
		return false, nil
	case domain.PaymentConfirmed:
	default:
		return false, domain.NewError(domain.ErrUnauthorized, fmt.Sprintf("payment %s was rejected", payment.TransactionID))
	}

	if p.Currency != "" && payment.Currency != "" && !strings.EqualFold(p.Currency, payment.Currency) {
		return false, domain.NewError(domain.ErrInvalidInput,
			fmt.Sprintf("payment currency %s does not match %s", payment.Currency, p.Currency))
	}
	if quote := p.Quote(wordCount); payment.Amount < quote {
		return false, domain.NewError(domain.ErrInvalidInput,
			fmt.Sprintf("payment amount %.2f is below the quote of %.2f", payment.Amount, quote))
	}
	return true, nil
}
