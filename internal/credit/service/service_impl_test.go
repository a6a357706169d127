package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shopcredits/internal/clock"
	"github.com/smallbiznis/shopcredits/internal/config"
	"github.com/smallbiznis/shopcredits/internal/credit/domain"
	"github.com/smallbiznis/shopcredits/internal/credit/rates"
	"github.com/smallbiznis/shopcredits/internal/credit/repository"
	creditstripe "github.com/smallbiznis/shopcredits/internal/credit/stripe"
	"github.com/smallbiznis/shopcredits/internal/inflight"
	shopdomain "github.com/smallbiznis/shopcredits/internal/shop/domain"
	shoprepository "github.com/smallbiznis/shopcredits/internal/shop/repository"
	pkgdb "github.com/smallbiznis/shopcredits/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "whsec_test_secret"

type testEnv struct {
	db    *gorm.DB
	clock *clock.FakeClock
	svc   domain.Service
}

type envOption func(*Params)

func withRates(table config.CreditRates) envOption {
	return func(p *Params) {
		p.Rates = rates.NewResolver(config.NewStaticCreditRatesHolder(table))
	}
}

func withGuard(guard *inflight.Guard) envOption {
	return func(p *Params) { p.Guard = guard }
}

func withSecret(secret string) envOption {
	return func(p *Params) { p.Cfg.Stripe.WebhookSecret = secret }
}

func withDB(db *gorm.DB) envOption {
	return func(p *Params) { p.DB = db }
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openTestDB(t)
	require.NoError(t, db.AutoMigrate(
		&shopdomain.Shop{},
		&domain.PaymentRecord{},
		&domain.PendingActivation{},
	))
	return db
}

// setupMigratedDB applies the shipped SQL migrations, including the foreign
// key from credit_payments to shops. TIMESTAMPTZ is declared as TIMESTAMP so
// the sqlite driver parses the columns back into time.Time.
func setupMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()

	db := openTestDB(t)
	require.NoError(t, db.Exec("PRAGMA foreign_keys = ON").Error)

	files, err := filepath.Glob(filepath.Join("..", "..", "migration", "migrations", "*.up.sql"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	sort.Strings(files)

	for _, file := range files {
		raw, err := os.ReadFile(file)
		require.NoError(t, err)
		ddl := strings.ReplaceAll(string(raw), "TIMESTAMPTZ", "TIMESTAMP")
		for _, stmt := range strings.Split(ddl, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			require.NoError(t, db.Exec(stmt).Error, file)
		}
	}
	return db
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	params := Params{
		Log: zap.NewNop(),
		Cfg: config.Config{
			Stripe: config.StripeConfig{
				WebhookSecret:    testSecret,
				WebhookTolerance: 300 * time.Second,
			},
		},
		Clock:    clk,
		GenID:    node,
		Repo:     repository.Provide(),
		ShopRepo: shoprepository.Provide(),
		Rates: rates.NewResolver(config.NewStaticCreditRatesHolder(config.CreditRates{
			Default:   50,
			Unmatched: config.UnmatchedGrantDefault,
			Prices:    []config.CreditRate{{ID: "price_pro", Credits: 500}},
		})),
	}
	for _, opt := range opts {
		opt(&params)
	}
	if params.DB == nil {
		params.DB = setupTestDB(t)
	}

	return &testEnv{db: params.DB, clock: clk, svc: New(params)}
}

func (e *testEnv) seedShop(t *testing.T, id string, credits int64) {
	t.Helper()
	now := e.clock.Now()
	require.NoError(t, e.db.Create(&shopdomain.Shop{
		ID:        id,
		Name:      "Shop " + id,
		Credits:   credits,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error)
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	var shop shopdomain.Shop
	require.NoError(t, e.db.First(&shop, "id = ?", id).Error)
	return shop.Credits
}

func (e *testEnv) ledgerCount(t *testing.T, sessionID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&domain.PaymentRecord{}).Where("session_id = ?", sessionID).Count(&count).Error)
	return count
}

func (e *testEnv) pendingCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	require.NoError(t, e.db.Model(&domain.PendingActivation{}).Count(&count).Error)
	return count
}

func (e *testEnv) deliver(t *testing.T, payload []byte) (domain.Outcome, error) {
	t.Helper()
	return e.svc.ProcessWebhook(context.Background(), payload, creditstripe.Sign(testSecret, payload, e.clock.Now()))
}

func checkoutEvent(t *testing.T, object map[string]any) []byte {
	t.Helper()
	if _, ok := object["payment_status"]; !ok {
		object["payment_status"] = "paid"
	}
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + fmt.Sprint(object["id"]),
		"type": "checkout.session.completed",
		"data": map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

func TestProcessWebhook_ExampleScenario(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	payload := []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_123","payment_status":"paid","metadata":{"shopId":"shop_42"},"line_items":{"data":[{"price":{"id":"price_unknown"}}]}}}}`)

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, "shop_42", outcome.ShopID)
	assert.Equal(t, int64(50), outcome.Credits)
	assert.Equal(t, int64(50), env.balance(t, "shop_42"))
	assert.Equal(t, int64(1), env.ledgerCount(t, "cs_123"))

	outcome, err = env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyProcessed, outcome.Status)
	assert.Equal(t, "shop_42", outcome.ShopID)
	assert.Equal(t, int64(50), outcome.Credits)
	assert.Equal(t, int64(50), env.balance(t, "shop_42"))
	assert.Equal(t, int64(1), env.ledgerCount(t, "cs_123"))

	var record domain.PaymentRecord
	require.NoError(t, env.db.First(&record, "session_id = ?", "cs_123").Error)
	assert.Equal(t, domain.SourceStripeCheckout, record.Source)
	assert.Equal(t, rates.SourceDefault, record.RateSource)
	assert.True(t, record.ProcessedAt.Equal(env.clock.Now()))
}

func TestProcessWebhook_MappedPriceCredits(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_1", 10)

	payload := checkoutEvent(t, map[string]any{
		"id":         "cs_price",
		"metadata":   map[string]any{"shopId": "shop_1"},
		"line_items": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_pro"}}}},
	})

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(500), outcome.Credits)
	assert.Equal(t, int64(510), env.balance(t, "shop_1"))
}

func TestProcessWebhook_RejectsTamperedBody(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	signed := checkoutEvent(t, map[string]any{"id": "cs_t", "metadata": map[string]any{"shopId": "shop_42"}})
	header := creditstripe.Sign(testSecret, signed, env.clock.Now())
	tampered := []byte(strings.Replace(string(signed), "shop_42", "shop_43", 1))

	_, err := env.svc.ProcessWebhook(context.Background(), tampered, header)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_t"))
}

func TestProcessWebhook_RejectsReplay(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	payload := checkoutEvent(t, map[string]any{"id": "cs_old", "metadata": map[string]any{"shopId": "shop_42"}})
	header := creditstripe.Sign(testSecret, payload, env.clock.Now())
	env.clock.Advance(301 * time.Second)

	_, err := env.svc.ProcessWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, domain.ErrSignatureExpired)
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_old"))
}

func TestProcessWebhook_MissingSignature(t *testing.T) {
	env := newTestEnv(t)
	payload := checkoutEvent(t, map[string]any{"id": "cs_nosig"})

	_, err := env.svc.ProcessWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, domain.ErrMissingSignature)
}

func TestProcessWebhook_RequiresSecret(t *testing.T) {
	env := newTestEnv(t, withSecret(""))
	env.seedShop(t, "shop_42", 0)

	payload := checkoutEvent(t, map[string]any{"id": "cs_nosecret", "metadata": map[string]any{"shopId": "shop_42"}})
	_, err := env.deliver(t, payload)
	assert.ErrorIs(t, err, domain.ErrWebhookSecretMissing)
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))
}

func TestProcessWebhook_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.deliver(t, []byte(`{"type":`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestProcessWebhook_IgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	tests := []struct {
		name    string
		payload []byte
	}{
		{
			name:    "other type",
			payload: []byte(`{"id":"evt_pi","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","metadata":{"shopId":"shop_42"}}}}`),
		},
		{
			name: "unpaid checkout",
			payload: checkoutEvent(t, map[string]any{
				"id":             "cs_unpaid",
				"payment_status": "unpaid",
				"metadata":       map[string]any{"shopId": "shop_42"},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := env.deliver(t, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeIgnored, outcome.Status)
		})
	}

	assert.Equal(t, int64(0), env.balance(t, "shop_42"))
	assert.Equal(t, int64(0), env.pendingCount(t))
}

func TestProcessWebhook_MetadataShopIDWins(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_meta", 0)
	env.seedShop(t, "shop_ref", 0)

	payload := checkoutEvent(t, map[string]any{
		"id":                  "cs_both",
		"metadata":            map[string]any{"shopId": "shop_meta"},
		"client_reference_id": "shop_ref",
	})

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, "shop_meta", outcome.ShopID)
	assert.Equal(t, int64(50), env.balance(t, "shop_meta"))
	assert.Equal(t, int64(0), env.balance(t, "shop_ref"))
}

func TestProcessWebhook_ClientReferenceFallback(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_ref", 0)

	payload := checkoutEvent(t, map[string]any{
		"id":                  "cs_ref",
		"client_reference_id": "shop_ref",
	})

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(50), env.balance(t, "shop_ref"))
}

func TestProcessWebhook_UnresolvedTenantQueuesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	payload := checkoutEvent(t, map[string]any{
		"id": "cs_anon",
		"custom_fields": []any{
			map[string]any{"key": "ShopName", "type": "text", "text": map[string]any{"value": "Corner Bakery"}},
		},
		"line_items":       map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_pro"}}}},
		"amount_total":     4900,
		"currency":         "eur",
		"customer_details": map[string]any{"email": "payer@example.com"},
	})

	for i := 0; i < 2; i++ {
		outcome, err := env.deliver(t, payload)
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomePendingManual, outcome.Status)
		assert.Equal(t, domain.ReasonTenantUnresolved, outcome.Reason)
	}

	assert.Equal(t, int64(1), env.pendingCount(t))
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_anon"))
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))

	var pending domain.PendingActivation
	require.NoError(t, env.db.First(&pending, "session_id = ?", "cs_anon").Error)
	assert.Equal(t, domain.PendingStatusManualReview, pending.Status)
	assert.Equal(t, "Corner Bakery", pending.ShopNameHint)
	assert.Equal(t, int64(500), pending.Credits)
	assert.Equal(t, int64(4900), pending.AmountTotal)
	assert.Equal(t, "EUR", pending.Currency)
	assert.Equal(t, "payer@example.com", pending.CustomerEmail)
	assert.NotZero(t, pending.ID)
}

func TestProcessWebhook_UnknownShopQueued(t *testing.T) {
	env := newTestEnv(t)

	payload := checkoutEvent(t, map[string]any{
		"id":       "cs_ghost",
		"metadata": map[string]any{"shopId": "shop_missing"},
	})

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePendingManual, outcome.Status)
	assert.Equal(t, domain.ReasonShopNotFound, outcome.Reason)
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_ghost"))

	var pending domain.PendingActivation
	require.NoError(t, env.db.First(&pending, "session_id = ?", "cs_ghost").Error)
	assert.Equal(t, "shop_missing", pending.ShopIDHint)
}

func TestProcessWebhook_ManualReviewPolicy(t *testing.T) {
	env := newTestEnv(t, withRates(config.CreditRates{
		Default:   50,
		Unmatched: config.UnmatchedManualReview,
		Prices:    []config.CreditRate{{ID: "price_pro", Credits: 500}},
	}))
	env.seedShop(t, "shop_42", 0)

	unmatched := checkoutEvent(t, map[string]any{
		"id":           "cs_unmatched",
		"metadata":     map[string]any{"shopId": "shop_42"},
		"payment_link": "plink_unknown",
	})
	outcome, err := env.deliver(t, unmatched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePendingManual, outcome.Status)
	assert.Equal(t, domain.ReasonUnmatchedPrice, outcome.Reason)
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))

	matched := checkoutEvent(t, map[string]any{
		"id":         "cs_matched",
		"metadata":   map[string]any{"shopId": "shop_42"},
		"line_items": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_pro"}}}},
	})
	outcome, err = env.deliver(t, matched)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(500), env.balance(t, "shop_42"))
}

func TestProcessWebhook_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)

	payload := checkoutEvent(t, map[string]any{"id": "cs_race", "metadata": map[string]any{"shopId": "shop_42"}})
	header := creditstripe.Sign(testSecret, payload, env.clock.Now())

	const deliveries = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []domain.OutcomeStatus
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.svc.ProcessWebhook(context.Background(), payload, header)
			assert.NoError(t, err)
			mu.Lock()
			statuses = append(statuses, outcome.Status)
			mu.Unlock()
		}()
	}
	wg.Wait()

	activated := 0
	for _, status := range statuses {
		if status == domain.OutcomeActivated {
			activated++
		} else {
			assert.Equal(t, domain.OutcomeAlreadyProcessed, status)
		}
	}
	assert.Equal(t, 1, activated)
	assert.Equal(t, int64(50), env.balance(t, "shop_42"))
	assert.Equal(t, int64(1), env.ledgerCount(t, "cs_race"))
}

func TestProcessWebhook_InFlightDeliveryRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	guard := inflight.NewGuard(client, zap.NewNop())

	env := newTestEnv(t, withGuard(guard))
	env.seedShop(t, "shop_42", 0)
	payload := checkoutEvent(t, map[string]any{"id": "cs_busy", "metadata": map[string]any{"shopId": "shop_42"}})

	release, ok, err := guard.Acquire(context.Background(), "cs_busy")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.deliver(t, payload)
	assert.ErrorIs(t, err, domain.ErrEventInFlight)
	assert.Equal(t, int64(0), env.balance(t, "shop_42"))

	release()

	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(50), env.balance(t, "shop_42"))
}

func TestProcessWebhook_GuardOutageDoesNotBlock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	env := newTestEnv(t, withGuard(inflight.NewGuard(client, zap.NewNop())))
	env.seedShop(t, "shop_42", 0)

	payload := checkoutEvent(t, map[string]any{"id": "cs_noredis", "metadata": map[string]any{"shopId": "shop_42"}})
	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
}

func TestProcessWebhook_PersistenceFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Migrator().DropTable(&shopdomain.Shop{}))

	payload := checkoutEvent(t, map[string]any{"id": "cs_broken", "metadata": map[string]any{"shopId": "shop_42"}})
	_, err := env.deliver(t, payload)
	assert.ErrorIs(t, err, domain.ErrPersistenceFailed)
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_broken"))
}

func TestResolvePending(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 5)
	ctx := context.Background()

	payload := checkoutEvent(t, map[string]any{"id": "cs_manual"})
	_, err := env.deliver(t, payload)
	require.NoError(t, err)

	outcome, err := env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{
		SessionID: "cs_manual",
		ShopID:    "shop_42",
		Actor:     "ops@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(50), outcome.Credits)
	assert.Equal(t, int64(55), env.balance(t, "shop_42"))

	var pending domain.PendingActivation
	require.NoError(t, env.db.First(&pending, "session_id = ?", "cs_manual").Error)
	assert.Equal(t, domain.PendingStatusResolved, pending.Status)
	require.NotNil(t, pending.ResolvedShopID)
	assert.Equal(t, "shop_42", *pending.ResolvedShopID)
	require.NotNil(t, pending.ResolvedBy)
	assert.Equal(t, "ops@example.com", *pending.ResolvedBy)

	var record domain.PaymentRecord
	require.NoError(t, env.db.First(&record, "session_id = ?", "cs_manual").Error)
	assert.Equal(t, domain.SourceManualReview, record.Source)

	_, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_manual", ShopID: "shop_42"})
	assert.ErrorIs(t, err, domain.ErrPendingResolved)
	assert.Equal(t, int64(55), env.balance(t, "shop_42"))

	outcome, err = env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyProcessed, outcome.Status)
	assert.Equal(t, int64(55), env.balance(t, "shop_42"))
}

func TestResolvePending_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{ShopID: "shop_42"})
	assert.ErrorIs(t, err, domain.ErrInvalidSessionID)

	_, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_x"})
	assert.ErrorIs(t, err, shopdomain.ErrInvalidShopID)

	_, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_none", ShopID: "shop_42"})
	assert.ErrorIs(t, err, domain.ErrPendingNotFound)

	_, err = env.deliver(t, checkoutEvent(t, map[string]any{"id": "cs_wait"}))
	require.NoError(t, err)

	_, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_wait", ShopID: "shop_missing"})
	assert.ErrorIs(t, err, shopdomain.ErrNotFound)
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_wait"))

	var pending domain.PendingActivation
	require.NoError(t, env.db.First(&pending, "session_id = ?", "cs_wait").Error)
	assert.Equal(t, domain.PendingStatusManualReview, pending.Status)
}

func TestGrantCredits(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)
	ctx := context.Background()

	outcome, err := env.svc.GrantCredits(ctx, domain.GrantCreditsRequest{
		ShopID:  "shop_42",
		Credits: 30,
		Actor:   "ops@example.com",
		Note:    "goodwill",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(outcome.SessionID, "manual_"))
	assert.Equal(t, int64(30), env.balance(t, "shop_42"))

	var record domain.PaymentRecord
	require.NoError(t, env.db.First(&record, "session_id = ?", outcome.SessionID).Error)
	assert.Equal(t, domain.SourceAdminGrant, record.Source)
	assert.Equal(t, "goodwill", record.Note)

	_, err = env.svc.GrantCredits(ctx, domain.GrantCreditsRequest{ShopID: "shop_42", Credits: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidCredits)

	_, err = env.svc.GrantCredits(ctx, domain.GrantCreditsRequest{ShopID: "shop_missing", Credits: 10})
	assert.ErrorIs(t, err, shopdomain.ErrNotFound)

	var count int64
	require.NoError(t, env.db.Model(&domain.PaymentRecord{}).Where("shop_id = ?", "shop_missing").Count(&count).Error)
	assert.Zero(t, count)
}

func TestListPending(t *testing.T) {
	env := newTestEnv(t)
	env.seedShop(t, "shop_42", 0)
	ctx := context.Background()

	for _, id := range []string{"cs_a", "cs_b", "cs_c"} {
		_, err := env.deliver(t, checkoutEvent(t, map[string]any{"id": id}))
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}
	_, err := env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_b", ShopID: "shop_42"})
	require.NoError(t, err)

	items, err := env.svc.ListPending(ctx, domain.ListPendingRequest{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "cs_a", items[0].SessionID)
	assert.Equal(t, "cs_c", items[1].SessionID)

	items, err = env.svc.ListPending(ctx, domain.ListPendingRequest{Status: domain.PendingStatusResolved})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "cs_b", items[0].SessionID)

	items, err = env.svc.ListPending(ctx, domain.ListPendingRequest{Status: repository.StatusAll, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestUnknownShopWithForeignKeySchema(t *testing.T) {
	env := newTestEnv(t, withDB(setupMigratedDB(t)))
	env.seedShop(t, "shop_42", 5)
	ctx := context.Background()

	payload := checkoutEvent(t, map[string]any{
		"id":       "cs_ghost",
		"metadata": map[string]any{"shopId": "shop_missing"},
	})
	outcome, err := env.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePendingManual, outcome.Status)
	assert.Equal(t, domain.ReasonShopNotFound, outcome.Reason)
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_ghost"))
	assert.Equal(t, int64(1), env.pendingCount(t))

	_, err = env.svc.GrantCredits(ctx, domain.GrantCreditsRequest{ShopID: "shop_missing", Credits: 10})
	assert.ErrorIs(t, err, shopdomain.ErrNotFound)

	_, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_ghost", ShopID: "shop_other"})
	assert.ErrorIs(t, err, shopdomain.ErrNotFound)
	assert.Equal(t, int64(0), env.ledgerCount(t, "cs_ghost"))

	outcome, err = env.svc.ResolvePending(ctx, domain.ResolvePendingRequest{SessionID: "cs_ghost", ShopID: "shop_42"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(55), env.balance(t, "shop_42"))
	assert.Equal(t, int64(1), env.ledgerCount(t, "cs_ghost"))

	outcome, err = env.deliver(t, checkoutEvent(t, map[string]any{
		"id":       "cs_known",
		"metadata": map[string]any{"shopId": "shop_42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeActivated, outcome.Status)
	assert.Equal(t, int64(105), env.balance(t, "shop_42"))

	outcome, err = env.deliver(t, checkoutEvent(t, map[string]any{
		"id":       "cs_known",
		"metadata": map[string]any{"shopId": "shop_42"},
	}))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyProcessed, outcome.Status)
	assert.Equal(t, int64(105), env.balance(t, "shop_42"))
}

func TestLedgerForeignKeyViolationMapsToShopNotFound(t *testing.T) {
	db := setupMigratedDB(t)

	_, err := repository.Provide().ClaimPayment(context.Background(), db, &domain.PaymentRecord{
		SessionID:   "cs_orphan",
		ShopID:      "shop_missing",
		Credits:     50,
		Source:      domain.SourceStripeCheckout,
		Payload:     datatypes.JSON("{}"),
		ProcessedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, pkgdb.IsForeignKeyErr(err))
	assert.ErrorIs(t, persistenceErr(err), shopdomain.ErrNotFound)
}
