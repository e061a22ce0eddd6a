// Package billing counts billable identifiers, resolves prices and executes
// the atomic charging unit for certificate requests.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/model"
	"github.com/zhuxbo/certfront/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "billing"))
}

// ErrInsufficientCredit is returned when a charge would exceed the user's
// balance. The whole charging unit aborts; no counter advances.
var ErrInsufficientCredit = errors.New("billing: insufficient credit")

// SanCount is a billable identifier tally.
type SanCount struct {
	Standard int
	Wildcard int
}

// Total returns the combined identifier count.
func (c SanCount) Total() int { return c.Standard + c.Wildcard }

// GetSansFromDomains classifies each comma-separated identifier as wildcard
// or standard and counts them. With gift enabled, implied companion names are
// collapsed out first so they are not billed.
func GetSansFromDomains(domains string, gift bool) SanCount {
	list := splitDomains(domains)
	if gift {
		list = RemoveGiftDomain(list)
	}
	var count SanCount
	for _, d := range list {
		if strings.HasPrefix(d, "*.") {
			count.Wildcard++
		} else {
			count.Standard++
		}
	}
	return count
}

func splitDomains(domains string) []string {
	parts := strings.Split(domains, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool)
	for _, p := range parts {
		d := strings.ToLower(strings.TrimSpace(p))
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}

// RemoveGiftDomain collapses a set to its minimal billable form: a bare root
// is dropped when its www sibling is present, a wildcard's own base domain is
// dropped, and one-level subdomains covered by a requested wildcard are
// dropped.
func RemoveGiftDomain(domains []string) []string {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[d] = true
	}
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if strings.HasPrefix(d, "*.") {
			out = append(out, d)
			continue
		}
		// covered by a requested wildcard one level up
		if dot := strings.Index(d, "."); dot > 0 && set["*."+d[dot+1:]] {
			continue
		}
		// base of a requested wildcard
		if set["*."+d] {
			continue
		}
		// bare root implied by its www sibling
		if set["www."+d] {
			continue
		}
		out = append(out, d)
	}
	return out
}

// AddGiftDomain expands a requested set to include implied free companions:
// the bare root for every www name, the www sibling for every bare root, and
// the base domain of every wildcard. Used when checking the expanded set
// against a product's SAN ceilings.
func AddGiftDomain(domains []string) []string {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[d] = true
	}
	for _, d := range domains {
		switch {
		case strings.HasPrefix(d, "*."):
			set[strings.TrimPrefix(d, "*.")] = true
		case strings.HasPrefix(d, "www."):
			set[strings.TrimPrefix(d, "www.")] = true
		default:
			set["www."+d] = true
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// ResolvePrice returns the effective price for a (product, period) pair: the
// componentwise minimum of the user's level price and any per-user custom
// price. Missing rows simply drop out; both missing is an error.
func ResolvePrice(ctx context.Context, store storage.Storage, productID string, periodMonths int, userLevel, userID string) (*model.Price, error) {
	level, err := store.GetLevelPrice(ctx, productID, periodMonths, userLevel)
	if err != nil {
		return nil, fmt.Errorf("billing: level price lookup failed: %w", err)
	}
	custom, err := store.GetCustomPrice(ctx, productID, periodMonths, userID)
	if err != nil {
		return nil, fmt.Errorf("billing: custom price lookup failed: %w", err)
	}
	switch {
	case level == nil && custom == nil:
		return nil, fmt.Errorf("billing: no price for product %q period %d", productID, periodMonths)
	case level == nil:
		return custom, nil
	case custom == nil:
		return level, nil
	}
	return &model.Price{
		Base:        decimal.Min(level.Base, custom.Base),
		PerStandard: decimal.Min(level.PerStandard, custom.PerStandard),
		PerWildcard: decimal.Min(level.PerWildcard, custom.PerWildcard),
	}, nil
}

// ChargePlan is the computed outcome of a delta-charge calculation.
type ChargePlan struct {
	Amount decimal.Decimal
	// Target purchased counters after the charge. Monotonic: never below
	// the subscription's current counters.
	TargetStandard int
	TargetWildcard int
}

// ComputeDelta prices the gap between the requested counts and what the
// subscription already purchased. The first charge (both counters zero, not a
// reissue) also pays the base price and at least the product's included
// counts; a reissue zeroes the base price and the included minimums so only
// genuinely new identifiers are billed.
func ComputeDelta(sub *model.Subscription, product *model.Product, price *model.Price, requested SanCount, reissue bool) ChargePlan {
	targetStandard := requested.Standard
	targetWildcard := requested.Wildcard

	firstCharge := sub.PurchasedStandard == 0 && sub.PurchasedWildcard == 0 && !reissue
	if firstCharge {
		if targetStandard < product.IncludedStandard {
			targetStandard = product.IncludedStandard
		}
		if targetWildcard < product.IncludedWildcard {
			targetWildcard = product.IncludedWildcard
		}
	}
	if targetStandard < sub.PurchasedStandard {
		targetStandard = sub.PurchasedStandard
	}
	if targetWildcard < sub.PurchasedWildcard {
		targetWildcard = sub.PurchasedWildcard
	}

	deltaStandard := targetStandard - sub.PurchasedStandard
	deltaWildcard := targetWildcard - sub.PurchasedWildcard

	amount := price.PerStandard.Mul(decimal.NewFromInt(int64(deltaStandard))).
		Add(price.PerWildcard.Mul(decimal.NewFromInt(int64(deltaWildcard))))
	if firstCharge {
		amount = amount.Add(price.Base)
		// the included counts are covered by the base price
		includedStandard := product.IncludedStandard
		if includedStandard > deltaStandard {
			includedStandard = deltaStandard
		}
		includedWildcard := product.IncludedWildcard
		if includedWildcard > deltaWildcard {
			includedWildcard = deltaWildcard
		}
		amount = amount.Sub(price.PerStandard.Mul(decimal.NewFromInt(int64(includedStandard)))).
			Sub(price.PerWildcard.Mul(decimal.NewFromInt(int64(includedWildcard))))
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}

	return ChargePlan{
		Amount:         amount,
		TargetStandard: targetStandard,
		TargetWildcard: targetWildcard,
	}
}

// Charge executes one delta charge as a single atomic unit: debit the user's
// balance, record the transaction and advance the purchased counters. Any
// failure aborts the whole unit. A zero-amount plan still advances counters
// so replays compute a zero delta.
func Charge(ctx context.Context, store storage.Storage, sub *model.Subscription, certRequestID, kind string, plan ChargePlan) error {
	err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if plan.Amount.IsPositive() {
			if err := tx.AdjustUserBalance(ctx, sub.UserID, plan.Amount.Neg()); err != nil {
				if errors.Is(err, storage.ErrInsufficientBalance) {
					return ErrInsufficientCredit
				}
				return err
			}
			txn := &model.Transaction{
				ID:             uuid.New().String(),
				UserID:         sub.UserID,
				SubscriptionID: sub.ID,
				CertRequestID:  certRequestID,
				Amount:         plan.Amount,
				Kind:           kind,
			}
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}
		return tx.AdvancePurchasedCounters(ctx, sub.ID, plan.TargetStandard, plan.TargetWildcard)
	})
	if err != nil {
		return err
	}
	if plan.TargetStandard > sub.PurchasedStandard {
		sub.PurchasedStandard = plan.TargetStandard
	}
	if plan.TargetWildcard > sub.PurchasedWildcard {
		sub.PurchasedWildcard = plan.TargetWildcard
	}
	logger.Info("Charge committed",
		zap.String("subscriptionID", sub.ID), zap.String("certRequestID", certRequestID),
		zap.String("amount", plan.Amount.String()), zap.String("kind", kind),
		zap.Int("purchasedStandard", sub.PurchasedStandard), zap.Int("purchasedWildcard", sub.PurchasedWildcard))
	return nil
}
