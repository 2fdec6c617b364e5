package intake_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/handywriterz/pkg/domain"
	"github.com/ncolesummers/handywriterz/pkg/intake"
)

func TestHTTPAuthenticator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"user_id": "user-42"}`))
		case "Bearer broken":
			http.Error(w, "upstream down", http.StatusBadGateway)
		default:
			http.Error(w, "nope", http.StatusUnauthorized)
		}
	}))
	defer server.Close()

	auth := intake.NewHTTPAuthenticator(server.URL, time.Second)
	ctx := context.Background()

	userID, err := auth.Validate(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	_, err = auth.Validate(ctx, "bad")
	assert.Equal(t, domain.ErrUnauthorized, domain.KindOf(err))

	_, err = auth.Validate(ctx, "")
	assert.Equal(t, domain.ErrUnauthorized, domain.KindOf(err))

	_, err = auth.Validate(ctx, "broken")
	assert.Equal(t, domain.ErrProviderError, domain.KindOf(err))
}

func TestTokenAuthenticatorIsStable(t *testing.T) {
	var auth intake.TokenAuthenticator
	a, err := auth.Validate(context.Background(), "token-a")
	require.NoError(t, err)
	again, err := auth.Validate(context.Background(), " token-a ")
	require.NoError(t, err)
	b, err := auth.Validate(context.Background(), "token-b")
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)

	_, err = auth.Validate(context.Background(), "  ")
	assert.Equal(t, domain.ErrUnauthorized, domain.KindOf(err))
}

func TestHTTPPaymentVerifier(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/transactions/tx-paid":
			_, _ = w.Write([]byte(`{"transaction_id": "tx-paid", "amount": 48.0, "currency": "gbp", "status": "completed"}`))
		case "/transactions/tx-wait":
			_, _ = w.Write([]byte(`{"amount": 48.0, "currency": "GBP", "status": "pending"}`))
		case "/transactions/tx-bad":
			_, _ = w.Write([]byte(`{"amount": 48.0, "currency": "GBP", "status": "reverted"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	verifier := intake.NewHTTPPaymentVerifier(server.URL+"/", time.Second)
	ctx := context.Background()

	tests := []struct {
		id     string
		status domain.PaymentStatus
	}{
		{"tx-paid", domain.PaymentConfirmed},
		{"tx-wait", domain.PaymentPending},
		{"tx-bad", domain.PaymentRejected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.id, func(t *testing.T) {
			payment, err := verifier.Verify(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.id, payment.TransactionID)
			assert.Equal(t, tt.status, payment.Status)
			assert.Equal(t, "GBP", payment.Currency)
		})
	}

	_, err := verifier.Verify(ctx, "tx-missing")
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))
}

func TestPricing(t *testing.T) {
	p := intake.DefaultPricing()

	assert.Equal(t, 1, p.Pages(100))
	assert.Equal(t, 3, p.Pages(1000))
	assert.Equal(t, 12.0, p.Quote(100))
	assert.Equal(t, 36.0, p.Quote(1000))

	tests := []struct {
		name     string
		payment  *domain.Payment
		admitted bool
		kind     domain.ErrorKind
	}{
		{"confirmed and enough", &domain.Payment{Amount: 36, Currency: "GBP", Status: domain.PaymentConfirmed}, true, ""},
		{"overpaid", &domain.Payment{Amount: 50, Status: domain.PaymentConfirmed}, true, ""},
		{"pending", &domain.Payment{Amount: 36, Currency: "GBP", Status: domain.PaymentPending}, false, ""},
		{"underpaid", &domain.Payment{Amount: 24, Currency: "GBP", Status: domain.PaymentConfirmed}, false, domain.ErrInvalidInput},
		{"wrong currency", &domain.Payment{Amount: 36, Currency: "USD", Status: domain.PaymentConfirmed}, false, domain.ErrInvalidInput},
		{"rejected", &domain.Payment{Amount: 36, Status: domain.PaymentRejected}, false, domain.ErrUnauthorized},
		{"missing", nil, false, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			admitted, err := p.Admit(tt.payment, 1000)
			assert.Equal(t, tt.admitted, admitted)
			if tt.kind == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.kind, domain.KindOf(err))
			}
		})
	}
}

func TestHTTPFileStorage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write([]byte("patient safety notes"))
		case "/big.txt":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	storage := intake.NewHTTPFileStorage(32, time.Second)
	ctx := context.Background()

	file, err := storage.Fetch(ctx, server.URL+"/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", file.ContentType)
	assert.Equal(t, "patient safety notes", string(file.Data))

	_, err = storage.Fetch(ctx, server.URL+"/big.txt")
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))

	_, err = storage.Fetch(ctx, server.URL+"/missing.pdf")
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))

	_, err = storage.Fetch(ctx, "ftp://example.com/file")
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))
}

func TestExtract(t *testing.T) {
	html := `<html><head><style>p{}</style><script>var x=1</script></head><body>
		<nav>menu</nav>
		<h1>Hand hygiene</h1>
		<p>Compliance   improves outcomes.</p>
		<ul><li>Wash hands</li></ul>
	</body></html>`

	tests := []struct {
		name string
		file domain.StoredFile
		want string
	}{
		{
			name: "html",
			file: domain.StoredFile{URL: "https://s.example/a.html", ContentType: "text/html", Data: []byte(html)},
			want: "## Hand hygiene\n\nCompliance improves outcomes.\n\n- Wash hands",
		},
		{
			name: "plain text",
			file: domain.StoredFile{URL: "https://s.example/a.txt", ContentType: "text/plain", Data: []byte("one\t two\n\n\n\nthree")},
			want: "one two\n\nthree",
		},
		{
			name: "markdown by extension",
			file: domain.StoredFile{URL: "https://s.example/a.md?sig=1", Data: []byte("# notes")},
			want: "# notes",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			doc, err := intake.Extract(&tt.file)
			require.NoError(t, err)
			assert.Equal(t, tt.want, doc.Text)
			assert.Equal(t, len(strings.Fields(tt.want)), doc.WordCount)
		})
	}
}

func TestExtractRejectsBadFiles(t *testing.T) {
	_, err := intake.Extract(&domain.StoredFile{URL: "https://s.example/a.bin", ContentType: "image/png", Data: []byte{0x89}})
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))

	_, err = intake.Extract(&domain.StoredFile{URL: "https://s.example/a.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 garbage")})
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))

	_, err = intake.Extract(&domain.StoredFile{URL: "https://s.example/a.txt", ContentType: "text/plain", Data: []byte("   ")})
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))
}

type mapStorage map[string]*domain.StoredFile

func (m mapStorage) Fetch(ctx context.Context, url string) (*domain.StoredFile, error) {
	if f, ok := m[url]; ok {
		return f, nil
	}
	return nil, domain.NewError(domain.ErrInvalidInput, "not found")
}

func TestLoadContext(t *testing.T) {
	storage := mapStorage{
		"u1": {URL: "u1", ContentType: "text/plain", Data: []byte("first doc")},
		"u2": {URL: "u2", ContentType: "text/plain", Data: []byte("second doc here")},
	}

	docs, err := intake.LoadContext(context.Background(), storage, []string{"u2", "u1"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u2", docs[0].URL)
	assert.Equal(t, 3, docs[0].WordCount)

	_, err = intake.LoadContext(context.Background(), storage, []string{"u1", "missing"})
	assert.Equal(t, domain.ErrInvalidInput, domain.KindOf(err))
}
