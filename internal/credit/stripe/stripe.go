package stripe

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/shopcredits/internal/clock"
	"github.com/smallbiznis/shopcredits/internal/credit/domain"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	SignatureHeader  = "Stripe-Signature"
	DefaultTolerance = 300 * time.Second
)

// Verifier authenticates Stripe webhook deliveries against one signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(secret string, tolerance time.Duration, clk clock.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		tolerance: tolerance,
		clock:     clk,
	}
}

func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks the Stripe-Signature header against the raw body. The body
// must be exactly the bytes that were received.
func (v *Verifier) Verify(payload []byte, header string) error {
	if !v.Configured() {
		return domain.ErrWebhookSecretMissing
	}

	header = strings.TrimSpace(header)
	if header == "" {
		return domain.ErrMissingSignature
	}

	rawTimestamp, signatures := parseSignatureHeader(header)
	if rawTimestamp == "" || len(signatures) == 0 {
		return domain.ErrMissingSignature
	}
	unix, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	signedAt := time.Unix(unix, 0)
	if v.clock.Now().Sub(signedAt) > v.tolerance {
		return domain.ErrSignatureExpired
	}

	expected := webhook.ComputeSignature(signedAt, payload, v.secret)
	for _, signature := range signatures {
		decoded, err := hex.DecodeString(signature)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign builds a Stripe-Signature header value for payload signed at t.
func Sign(secret string, payload []byte, t time.Time) string {
	mac := webhook.ComputeSignature(t, payload, secret)
	return "t=" + strconv.FormatInt(t.Unix(), 10) + ",v1=" + hex.EncodeToString(mac)
}

func parseSignatureHeader(header string) (string, []string) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		value := strings.TrimSpace(keyValue[1])
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			timestamp = value
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	return timestamp, signatures
}

// Parse decodes a verified body. Anything other than a paid
// checkout.session.completed returns ErrEventIgnored together with a session
// carrying only the event identity, so callers can still label the event.
func Parse(payload []byte) (*domain.CheckoutSession, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	result := &domain.CheckoutSession{
		EventID:    strings.TrimSpace(event.ID),
		EventType:  strings.TrimSpace(string(event.Type)),
		RawPayload: payload,
	}
	if event.Type != stripego.EventTypeCheckoutSessionCompleted {
		return result, domain.ErrEventIgnored
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, domain.ErrInvalidPayload
	}

	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	result.SessionID = strings.TrimSpace(session.ID)
	result.PaymentStatus = strings.TrimSpace(session.PaymentStatus)
	if result.PaymentStatus != string(stripego.CheckoutSessionPaymentStatusPaid) {
		return result, domain.ErrEventIgnored
	}
	if result.SessionID == "" {
		return nil, domain.ErrInvalidEvent
	}

	result.Metadata = readMetadata(session.Metadata)
	if session.ClientReferenceID != nil {
		result.ClientReferenceID = strings.TrimSpace(*session.ClientReferenceID)
	}
	result.CustomFields = readCustomFields(session.CustomFields)
	result.PaymentLinkID = expandableID(session.PaymentLink)
	if session.LineItems != nil {
		for _, item := range session.LineItems.Data {
			if id := expandableID(item.Price); id != "" {
				result.PriceIDs = append(result.PriceIDs, id)
			}
		}
	}
	result.AmountTotal = session.AmountTotal
	result.Currency = strings.ToUpper(strings.TrimSpace(session.Currency))
	result.CustomerEmail = strings.TrimSpace(session.CustomerEmail)
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		result.CustomerEmail = strings.TrimSpace(session.CustomerDetails.Email)
	}
	return result, nil
}

type checkoutSession struct {
	ID                string           `json:"id"`
	PaymentStatus     string           `json:"payment_status"`
	Metadata          map[string]any   `json:"metadata"`
	ClientReferenceID *string          `json:"client_reference_id"`
	CustomFields      []customField    `json:"custom_fields"`
	PaymentLink       json.RawMessage  `json:"payment_link"`
	LineItems         *lineItemList    `json:"line_items"`
	AmountTotal       int64            `json:"amount_total"`
	Currency          string           `json:"currency"`
	CustomerEmail     string           `json:"customer_email"`
	CustomerDetails   *customerDetails `json:"customer_details"`
}

type customField struct {
	Key      string            `json:"key"`
	Text     *customFieldValue `json:"text"`
	Dropdown *customFieldValue `json:"dropdown"`
	Numeric  *customFieldValue `json:"numeric"`
}

type customFieldValue struct {
	Value *string `json:"value"`
}

type lineItemList struct {
	Data []lineItem `json:"data"`
}

type lineItem struct {
	Price json.RawMessage `json:"price"`
}

type customerDetails struct {
	Email string `json:"email"`
}

func readMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		switch cast := value.(type) {
		case string:
			out[key] = strings.TrimSpace(cast)
		case float64:
			out[key] = strconv.FormatFloat(cast, 'f', -1, 64)
		case bool:
			out[key] = strconv.FormatBool(cast)
		}
	}
	return out
}

func readCustomFields(fields []customField) map[string]string {
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		key := strings.TrimSpace(field.Key)
		if key == "" {
			continue
		}
		for _, candidate := range []*customFieldValue{field.Text, field.Dropdown, field.Numeric} {
			if candidate != nil && candidate.Value != nil {
				out[key] = strings.TrimSpace(*candidate.Value)
				break
			}
		}
	}
	return out
}

// expandableID reads a Stripe expandable reference, which arrives either as
// a bare id string or as the expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var object struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &object); err == nil {
		return strings.TrimSpace(object.ID)
	}
	return ""
}
