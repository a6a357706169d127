package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// UnmatchedGrantDefault grants CreditRates.Default when neither the price
	// nor the payment link is mapped.
	UnmatchedGrantDefault = "grant_default"
	// UnmatchedManualReview queues unmapped purchases for an operator.
	UnmatchedManualReview = "manual_review"

	defaultCredits = 50
)

// CreditRate maps one Stripe price or payment link id to a credit amount.
type CreditRate struct {
	ID      string `mapstructure:"id"`
	Credits int64  `mapstructure:"credits"`
}

// CreditRates is the credit table consulted for every paid checkout.
// Ids are kept as lists because viper lower-cases map keys.
type CreditRates struct {
	Default      int64        `mapstructure:"default"`
	Unmatched    string       `mapstructure:"unmatched"`
	Prices       []CreditRate `mapstructure:"prices"`
	PaymentLinks []CreditRate `mapstructure:"payment_links"`
}

func DefaultCreditRates() CreditRates {
	return CreditRates{
		Default:   defaultCredits,
		Unmatched: UnmatchedGrantDefault,
	}
}

func (r CreditRates) PriceCredits(id string) (int64, bool) {
	return lookupRate(r.Prices, id)
}

func (r CreditRates) PaymentLinkCredits(id string) (int64, bool) {
	return lookupRate(r.PaymentLinks, id)
}

func lookupRate(rates []CreditRate, id string) (int64, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, false
	}
	for _, rate := range rates {
		if rate.ID == id {
			return rate.Credits, true
		}
	}
	return 0, false
}

type CreditRatesHolder struct {
	current atomic.Value // holds CreditRates
}

// NewCreditRatesHolder loads the credit table from CREDIT_RATES_FILE or the
// default search paths, falling back to built-in defaults when no file exists.
// A found file is watched and reloaded on change.
func NewCreditRatesHolder(cfg Config, log *zap.Logger) (*CreditRatesHolder, error) {
	v := viper.New()
	if cfg.CreditRatesFile != "" {
		v.SetConfigFile(cfg.CreditRatesFile)
	} else {
		v.SetConfigName("credits")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/shopcredits/config") // Volume-mounted config
		v.AddConfigPath("/etc/shopcredits")            // System config
		v.AddConfigPath(".")                           // Current directory (dev mode)
	}
	return newCreditRatesHolder(v, log)
}

// NewCreditRatesHolderFromFile loads and watches the credit table at path.
func NewCreditRatesHolderFromFile(path string, log *zap.Logger) (*CreditRatesHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newCreditRatesHolder(v, log)
}

// NewStaticCreditRatesHolder returns a holder that never reloads.
func NewStaticCreditRatesHolder(rates CreditRates) *CreditRatesHolder {
	holder := &CreditRatesHolder{}
	holder.current.Store(rates)
	return holder
}

func newCreditRatesHolder(v *viper.Viper, log *zap.Logger) (*CreditRatesHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.credits")

	defaults := DefaultCreditRates()
	v.SetDefault("credits.default", defaults.Default)
	v.SetDefault("credits.unmatched", defaults.Unmatched)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read credit rates: %w", err)
		}
		log.Warn("credit rates file not found, using built-in defaults",
			zap.Int64("default_credits", defaults.Default))
		watch = false
	}

	rates, err := decodeCreditRates(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticCreditRatesHolder(rates)
	if !watch {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeCreditRates(v)
		if err != nil {
			log.Warn("invalid credit rates ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("credit rates reloaded",
			zap.String("file", e.Name),
			zap.Int("prices", len(updated.Prices)),
			zap.Int("payment_links", len(updated.PaymentLinks)),
		)
	})
	v.WatchConfig()

	log.Info("credit rates loaded",
		zap.String("file", v.ConfigFileUsed()),
		zap.Int("prices", len(rates.Prices)),
		zap.Int("payment_links", len(rates.PaymentLinks)),
	)
	return holder, nil
}

func (h *CreditRatesHolder) Get() CreditRates {
	return h.current.Load().(CreditRates)
}

func decodeCreditRates(v *viper.Viper) (CreditRates, error) {
	var rates CreditRates
	if err := v.UnmarshalKey("credits", &rates); err != nil {
		return CreditRates{}, fmt.Errorf("decode credit rates: %w", err)
	}
	// UnmarshalKey does not merge defaults into nested keys.
	rates.Default = v.GetInt64("credits.default")
	rates.Unmatched = strings.ToLower(strings.TrimSpace(v.GetString("credits.unmatched")))
	for i := range rates.Prices {
		rates.Prices[i].ID = strings.TrimSpace(rates.Prices[i].ID)
	}
	for i := range rates.PaymentLinks {
		rates.PaymentLinks[i].ID = strings.TrimSpace(rates.PaymentLinks[i].ID)
	}
	if err := validateCreditRates(rates); err != nil {
		return CreditRates{}, err
	}
	return rates, nil
}

func validateCreditRates(rates CreditRates) error {
	if rates.Default <= 0 {
		return errors.New("credits.default must be positive")
	}
	switch rates.Unmatched {
	case UnmatchedGrantDefault, UnmatchedManualReview:
	default:
		return fmt.Errorf("credits.unmatched %q is not supported", rates.Unmatched)
	}
	if err := validateRateList("credits.prices", rates.Prices); err != nil {
		return err
	}
	return validateRateList("credits.payment_links", rates.PaymentLinks)
}

func validateRateList(key string, rates []CreditRate) error {
	seen := make(map[string]struct{}, len(rates))
	for i, rate := range rates {
		id := rate.ID
		if id == "" {
			return fmt.Errorf("%s[%d].id cannot be empty", key, i)
		}
		if rate.Credits <= 0 {
			return fmt.Errorf("%s[%d].credits must be positive", key, i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%s has duplicate id %q", key, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
