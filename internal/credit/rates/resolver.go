package rates

import (
	"strings"

	"github.com/smallbiznis/shopcredits/internal/config"
)

const (
	SourcePrice       = "price"
	SourcePaymentLink = "payment_link"
	SourceDefault     = "default"
)

// Grant is the credit amount decided for one checkout.
type Grant struct {
	Credits   int64
	Source    string
	MatchedID string
	// NeedsReview is set when nothing matched and the table asks for an
	// operator instead of the default amount.
	NeedsReview bool
}

type Resolver struct {
	holder *config.CreditRatesHolder
}

func NewResolver(holder *config.CreditRatesHolder) *Resolver {
	return &Resolver{holder: holder}
}

// Resolve looks up line item prices first, then the payment link, then
// falls back to the default amount. One table snapshot is used per call.
func (r *Resolver) Resolve(priceIDs []string, paymentLinkID string) Grant {
	table := config.DefaultCreditRates()
	if r != nil && r.holder != nil {
		table = r.holder.Get()
	}

	for _, id := range priceIDs {
		if credits, ok := table.PriceCredits(id); ok {
			return Grant{Credits: credits, Source: SourcePrice, MatchedID: strings.TrimSpace(id)}
		}
	}
	if credits, ok := table.PaymentLinkCredits(paymentLinkID); ok {
		return Grant{Credits: credits, Source: SourcePaymentLink, MatchedID: strings.TrimSpace(paymentLinkID)}
	}

	return Grant{
		Credits:     table.Default,
		Source:      SourceDefault,
		NeedsReview: table.Unmatched == config.UnmatchedManualReview,
	}
}
