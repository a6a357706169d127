package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/shopcredits/internal/clock"
	"github.com/smallbiznis/shopcredits/internal/config"
	"github.com/smallbiznis/shopcredits/internal/credit/domain"
	"github.com/smallbiznis/shopcredits/internal/credit/rates"
	creditstripe "github.com/smallbiznis/shopcredits/internal/credit/stripe"
	"github.com/smallbiznis/shopcredits/internal/inflight"
	obscontext "github.com/smallbiznis/shopcredits/internal/observability/context"
	"github.com/smallbiznis/shopcredits/internal/observability/logger"
	"github.com/smallbiznis/shopcredits/internal/observability/metrics"
	"github.com/smallbiznis/shopcredits/internal/observability/tracing"
	shopdomain "github.com/smallbiznis/shopcredits/internal/shop/domain"
	"github.com/smallbiznis/shopcredits/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultActor   = "operator"
	rateSourceNone = "manual"
)

// errAlreadyClaimed rolls back the balance increment when the ledger row
// already exists.
var errAlreadyClaimed = errors.New("payment_already_claimed")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Clock    clock.Clock
	GenID    *snowflake.Node
	Repo     domain.Repository
	ShopRepo shopdomain.Repository
	Rates    *rates.Resolver
	Guard    *inflight.Guard  `optional:"true"`
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	repo     domain.Repository
	shopRepo shopdomain.Repository
	rates    *rates.Resolver
	guard    *inflight.Guard
	metrics  *metrics.Metrics
	verifier *creditstripe.Verifier
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	svc := &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		clock:    clk,
		genID:    p.GenID,
		repo:     p.Repo,
		shopRepo: p.ShopRepo,
		rates:    p.Rates,
		guard:    p.Guard,
		metrics:  p.Metrics,
		verifier: creditstripe.NewVerifier(p.Cfg.Stripe.WebhookSecret, p.Cfg.Stripe.WebhookTolerance, clk),
	}
	if !svc.verifier.Configured() {
		svc.log.Error("STRIPE_WEBHOOK_SECRET is not set, stripe webhooks will be rejected")
	}
	return svc
}

func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "credit.ProcessWebhook")
	defer span.End()

	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		if errors.Is(err, domain.ErrWebhookSecretMissing) {
			s.log.Error("stripe webhook rejected, signing secret not configured")
		} else {
			logger.WithContext(ctx, s.log).Warn("stripe webhook signature rejected", zap.String("reason", err.Error()))
		}
		s.metrics.RecordSignatureFailure(ctx, err.Error())
		span.SetStatus(codes.Error, err.Error())
		return domain.Outcome{}, err
	}

	session, err := creditstripe.Parse(payload)
	if errors.Is(err, domain.ErrEventIgnored) {
		s.metrics.RecordWebhookEvent(ctx, session.EventType, string(domain.OutcomeIgnored))
		logger.WithContext(ctx, s.log).Debug("stripe event ignored",
			zap.String("event_id", session.EventID),
			zap.String("event_type", session.EventType),
			zap.String("payment_status", session.PaymentStatus),
		)
		return domain.Outcome{
			Status:    domain.OutcomeIgnored,
			EventType: session.EventType,
			SessionID: session.SessionID,
		}, nil
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Outcome{}, err
	}

	ctx = obscontext.WithEventID(ctx, session.EventID)
	span.SetAttributes(attribute.String("checkout.session_id", session.SessionID))
	log := logger.WithContext(ctx, s.log).With(zap.String("session_id", session.SessionID))

	release, ok, err := s.guard.Acquire(ctx, session.SessionID)
	switch {
	case err != nil:
		log.Warn("delivery guard unavailable, continuing without it", zap.Error(err))
	case !ok:
		s.metrics.RecordWebhookEvent(ctx, session.EventType, "in_flight")
		return domain.Outcome{}, domain.ErrEventInFlight
	}
	defer release()

	grant := s.rates.Resolve(session.PriceIDs, session.PaymentLinkID)
	shopID := resolveShopID(session)

	var outcome domain.Outcome
	switch {
	case shopID == "":
		outcome, err = s.queuePending(ctx, session, grant, domain.ReasonTenantUnresolved, "")
	case grant.NeedsReview:
		outcome, err = s.queuePending(ctx, session, grant, domain.ReasonUnmatchedPrice, shopID)
	default:
		outcome, err = s.applyCheckout(ctx, session, shopID, grant)
		if errors.Is(err, shopdomain.ErrNotFound) {
			log.Warn("checkout references unknown shop, queuing for review", zap.String("shop_id", shopID))
			outcome, err = s.queuePending(ctx, session, grant, domain.ReasonShopNotFound, shopID)
		}
	}
	if err != nil {
		log.Error("stripe checkout processing failed",
			zap.Bool("retryable", db.IsRetryable(err)),
			zap.Error(err),
		)
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "processing failed")
		return domain.Outcome{}, err
	}

	outcome.EventType = session.EventType
	s.metrics.RecordWebhookEvent(ctx, session.EventType, string(outcome.Status))
	span.SetAttributes(attribute.String("credit.outcome", string(outcome.Status)))
	return outcome, nil
}

func (s *Service) applyCheckout(ctx context.Context, session *domain.CheckoutSession, shopID string, grant rates.Grant) (domain.Outcome, error) {
	now := s.clock.Now()
	record := &domain.PaymentRecord{
		SessionID:     session.SessionID,
		EventID:       session.EventID,
		ShopID:        shopID,
		Credits:       grant.Credits,
		Source:        domain.SourceStripeCheckout,
		RateSource:    grant.Source,
		AmountTotal:   session.AmountTotal,
		Currency:      session.Currency,
		CustomerEmail: session.CustomerEmail,
		Payload:       datatypes.JSON(session.RawPayload),
		ProcessedAt:   now,
	}

	claimed, err := s.claimAndCredit(ctx, record)
	if err != nil {
		return domain.Outcome{}, err
	}
	if !claimed {
		return s.alreadyProcessed(ctx, session.SessionID, shopID, grant.Credits), nil
	}

	logger.WithContext(ctx, s.log).Info("credits activated",
		zap.String("session_id", session.SessionID),
		zap.String("shop_id", shopID),
		zap.Int64("credits", grant.Credits),
		zap.String("rate_source", grant.Source),
	)
	s.metrics.RecordCreditsGranted(ctx, domain.SourceStripeCheckout, grant.Credits)
	return domain.Outcome{
		Status:    domain.OutcomeActivated,
		SessionID: session.SessionID,
		ShopID:    shopID,
		Credits:   grant.Credits,
	}, nil
}

// claimAndCredit increments the balance and writes the ledger row in one
// transaction. The balance goes first so an unknown shop surfaces as
// shopdomain.ErrNotFound before the ledger foreign key is checked. claimed is
// false when the session was already in the ledger; the increment is rolled
// back in that case.
func (s *Service) claimAndCredit(ctx context.Context, record *domain.PaymentRecord) (bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.shopRepo.AddCredits(ctx, tx, record.ShopID, record.Credits, record.ProcessedAt); err != nil {
			return err
		}
		ok, err := s.repo.ClaimPayment(ctx, tx, record)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyClaimed
		}
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errAlreadyClaimed):
		return false, nil
	default:
		return false, persistenceErr(err)
	}
}

func (s *Service) alreadyProcessed(ctx context.Context, sessionID, shopID string, credits int64) domain.Outcome {
	outcome := domain.Outcome{
		Status:    domain.OutcomeAlreadyProcessed,
		SessionID: sessionID,
		ShopID:    shopID,
		Credits:   credits,
	}
	existing, err := s.repo.FindPayment(ctx, s.db, sessionID)
	if err != nil {
		s.log.Warn("load processed payment failed", zap.String("session_id", sessionID), zap.Error(err))
		return outcome
	}
	if existing != nil {
		outcome.ShopID = existing.ShopID
		outcome.Credits = existing.Credits
	}
	return outcome
}

func (s *Service) queuePending(ctx context.Context, session *domain.CheckoutSession, grant rates.Grant, reason, shopIDHint string) (domain.Outcome, error) {
	existing, err := s.repo.FindPayment(ctx, s.db, session.SessionID)
	if err != nil {
		return domain.Outcome{}, persistenceErr(err)
	}
	if existing != nil {
		return s.alreadyProcessed(ctx, session.SessionID, existing.ShopID, existing.Credits), nil
	}

	now := s.clock.Now()
	pending := &domain.PendingActivation{
		ID:                s.genID.Generate(),
		SessionID:         session.SessionID,
		EventID:           session.EventID,
		Status:            domain.PendingStatusManualReview,
		Reason:            reason,
		Credits:           grant.Credits,
		RateSource:        grant.Source,
		ShopIDHint:        shopIDHint,
		ShopNameHint:      shopNameHint(session.CustomFields),
		ClientReferenceID: session.ClientReferenceID,
		AmountTotal:       session.AmountTotal,
		Currency:          session.Currency,
		CustomerEmail:     session.CustomerEmail,
		Payload:           datatypes.JSON(session.RawPayload),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	inserted, err := s.repo.InsertPending(ctx, s.db, pending)
	if err != nil {
		return domain.Outcome{}, persistenceErr(err)
	}

	log := logger.WithContext(ctx, s.log)
	if inserted {
		log.Warn("payment queued for manual activation",
			zap.String("session_id", session.SessionID),
			zap.String("reason", reason),
			zap.String("shop_name_hint", pending.ShopNameHint),
			zap.Int64("credits", grant.Credits),
		)
		s.metrics.RecordPendingActivation(ctx, reason)
	} else {
		log.Info("payment already queued for manual activation", zap.String("session_id", session.SessionID))
	}

	return domain.Outcome{
		Status:    domain.OutcomePendingManual,
		SessionID: session.SessionID,
		Credits:   grant.Credits,
		Reason:    reason,
	}, nil
}

func (s *Service) ListPending(ctx context.Context, req domain.ListPendingRequest) ([]domain.PendingActivation, error) {
	items, err := s.repo.ListPending(ctx, s.db, domain.PendingFilter{
		Status: strings.TrimSpace(req.Status),
		Limit:  req.Limit,
	})
	if err != nil {
		return nil, persistenceErr(err)
	}
	return items, nil
}

// ResolvePending credits the chosen shop for a queued payment and closes the
// pending record in the same transaction.
func (s *Service) ResolvePending(ctx context.Context, req domain.ResolvePendingRequest) (domain.Outcome, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return domain.Outcome{}, domain.ErrInvalidSessionID
	}
	shopID := strings.TrimSpace(req.ShopID)
	if shopID == "" {
		return domain.Outcome{}, shopdomain.ErrInvalidShopID
	}
	actor := actorOrDefault(req.Actor)

	ctx, span := tracing.StartSpan(ctx, "credit.ResolvePending", attribute.String("checkout.session_id", sessionID))
	defer span.End()

	now := s.clock.Now()
	var credits int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := s.repo.FindPending(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if pending == nil {
			return domain.ErrPendingNotFound
		}
		if pending.Status != domain.PendingStatusManualReview {
			return domain.ErrPendingResolved
		}

		if err := s.shopRepo.AddCredits(ctx, tx, shopID, pending.Credits, now); err != nil {
			return err
		}

		payload := pending.Payload
		if len(payload) == 0 {
			payload = datatypes.JSON("{}")
		}
		claimed, err := s.repo.ClaimPayment(ctx, tx, &domain.PaymentRecord{
			SessionID:     sessionID,
			EventID:       pending.EventID,
			ShopID:        shopID,
			Credits:       pending.Credits,
			Source:        domain.SourceManualReview,
			RateSource:    pending.RateSource,
			AmountTotal:   pending.AmountTotal,
			Currency:      pending.Currency,
			CustomerEmail: pending.CustomerEmail,
			Actor:         actor,
			Payload:       payload,
			ProcessedAt:   now,
		})
		if err != nil {
			return err
		}
		if !claimed {
			return domain.ErrAlreadyProcessed
		}
		updated, err := s.repo.MarkPendingResolved(ctx, tx, sessionID, shopID, actor, now)
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrPendingResolved
		}
		credits = pending.Credits
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return domain.Outcome{}, persistenceErr(err)
	}

	s.log.Info("pending activation resolved",
		zap.String("session_id", sessionID),
		zap.String("shop_id", shopID),
		zap.Int64("credits", credits),
		zap.String("actor", actor),
	)
	s.metrics.RecordCreditsGranted(ctx, domain.SourceManualReview, credits)
	return domain.Outcome{
		Status:    domain.OutcomeActivated,
		SessionID: sessionID,
		ShopID:    shopID,
		Credits:   credits,
	}, nil
}

// GrantCredits records an operator grant in the ledger under a generated id
// and increments the balance.
func (s *Service) GrantCredits(ctx context.Context, req domain.GrantCreditsRequest) (domain.Outcome, error) {
	shopID := strings.TrimSpace(req.ShopID)
	if shopID == "" {
		return domain.Outcome{}, shopdomain.ErrInvalidShopID
	}
	if req.Credits <= 0 {
		return domain.Outcome{}, domain.ErrInvalidCredits
	}
	actor := actorOrDefault(req.Actor)
	note := strings.TrimSpace(req.Note)

	payload, err := json.Marshal(map[string]string{"actor": actor, "note": note})
	if err != nil {
		return domain.Outcome{}, err
	}

	record := &domain.PaymentRecord{
		SessionID:   "manual_" + s.genID.Generate().String(),
		ShopID:      shopID,
		Credits:     req.Credits,
		Source:      domain.SourceAdminGrant,
		RateSource:  rateSourceNone,
		Actor:       actor,
		Note:        note,
		Payload:     datatypes.JSON(payload),
		ProcessedAt: s.clock.Now(),
	}
	if _, err := s.claimAndCredit(ctx, record); err != nil {
		return domain.Outcome{}, err
	}

	s.log.Info("credits granted manually",
		zap.String("grant_id", record.SessionID),
		zap.String("shop_id", shopID),
		zap.Int64("credits", req.Credits),
		zap.String("actor", actor),
	)
	s.metrics.RecordCreditsGranted(ctx, domain.SourceAdminGrant, req.Credits)
	return domain.Outcome{
		Status:    domain.OutcomeActivated,
		SessionID: record.SessionID,
		ShopID:    shopID,
		Credits:   req.Credits,
	}, nil
}

func actorOrDefault(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return defaultActor
	}
	return actor
}

// persistenceErr keeps domain errors intact and tags everything else as a
// storage failure.
func persistenceErr(err error) error {
	switch {
	case err == nil:
		return nil
	case db.IsForeignKeyErr(err):
		return fmt.Errorf("%w: %w", shopdomain.ErrNotFound, err)
	case errors.Is(err, shopdomain.ErrNotFound),
		errors.Is(err, shopdomain.ErrInvalidAmount),
		errors.Is(err, domain.ErrPendingNotFound),
		errors.Is(err, domain.ErrPendingResolved),
		errors.Is(err, domain.ErrAlreadyProcessed),
		errors.Is(err, domain.ErrPersistenceFailed):
		return err
	default:
		return fmt.Errorf("%w: %w", domain.ErrPersistenceFailed, err)
	}
}
