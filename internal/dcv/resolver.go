// Package dcv resolves requested identifiers to per-user CNAME-delegated DNS
// targets and keeps delegation validity current through live DNS checks.
package dcv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/net/idna"

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
	logger = l.With(zap.String("package", "dcv"))
}

// Proof prefixes, by resolution class. The strict class carries challenge
// tokens and must match the exact host: no fallback to the registrable root,
// no www equivalence. Every other recognized prefix may fall back to the
// registrable root when the exact host has no delegation.
const (
	PrefixACMEChallenge = "_acme-challenge"
	PrefixDNSAuth       = "_dnsauth"
	PrefixPKIValidation = "_pki-validation"
	PrefixValidation    = "_validation"
)

var (
	strictPrefixes   = map[string]bool{PrefixACMEChallenge: true, PrefixDNSAuth: true}
	fallbackPrefixes = map[string]bool{PrefixPKIValidation: true, PrefixValidation: true}
)

// KnownPrefix reports whether p is a recognized proof prefix.
func KnownPrefix(p string) bool {
	return strictPrefixes[p] || fallbackPrefixes[p]
}

// CNAMEQuerier performs a live CNAME lookup. Satisfied by *DNSChecker; tests
// substitute a stub.
type CNAMEQuerier interface {
	LookupCNAME(ctx context.Context, fqdn string) (string, error)
}

// TXTPublisher publishes a TXT proof value at a delegated name. Satisfied by
// the upstream gateway client.
type TXTPublisher interface {
	PublishTXT(ctx context.Context, fqdn, value string) error
}

// Resolver maps identifiers to delegations and maintains their validity.
type Resolver struct {
	store     storage.Storage
	psl       *SuffixCache
	dns       CNAMEQuerier
	publisher TXTPublisher

	baseZone string // zone hosting per-user delegation targets
	salt     string // mixed into derived labels; not secret
}

// NewResolver creates a Resolver. publisher may be nil when proof publication
// is not wired.
func NewResolver(store storage.Storage, psl *SuffixCache, dns CNAMEQuerier, publisher TXTPublisher, baseZone, salt string) *Resolver {
	return &Resolver{
		store:     store,
		psl:       psl,
		dns:       dns,
		publisher: publisher,
		baseZone:  strings.Trim(strings.ToLower(baseZone), "."),
		salt:      salt,
	}
}

// NormalizeZone converts a zone to its canonical unicode form, accepting
// punycode input.
func NormalizeZone(zone string) (string, error) {
	zone = strings.Trim(strings.ToLower(zone), ".")
	if zone == "" {
		return "", fmt.Errorf("dcv: empty zone")
	}
	unicodeZone, err := idna.Lookup.ToUnicode(zone)
	if err != nil {
		return "", fmt.Errorf("dcv: zone %q is not a valid domain: %w", zone, err)
	}
	return unicodeZone, nil
}

// Label derives the stable per-user delegation label. Deterministic and not
// secret: the same user always delegates to the same target.
func (r *Resolver) Label(userID string) string {
	sum := sha256.Sum256([]byte(userID + "|" + r.salt))
	return hex.EncodeToString(sum[:])[:20]
}

// Target returns the delegation CNAME target for a user.
func (r *Resolver) Target(userID string) string {
	return r.Label(userID) + "." + r.baseZone
}

// CreateOrGet returns the unique (user, zone, prefix) delegation, creating it
// with valid=false when absent.
func (r *Resolver) CreateOrGet(ctx context.Context, userID, zone, prefix string) (*model.CnameDelegation, error) {
	if !KnownPrefix(prefix) {
		return nil, fmt.Errorf("dcv: unrecognized prefix %q", prefix)
	}
	normalized, err := NormalizeZone(zone)
	if err != nil {
		return nil, err
	}
	existing, err := r.store.GetDelegation(ctx, userID, normalized, prefix)
	if err != nil {
		return nil, fmt.Errorf("dcv: delegation lookup failed: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	d := &model.CnameDelegation{
		ID:     uuid.New().String(),
		UserID: userID,
		Zone:   normalized,
		Prefix: prefix,
		Label:  r.Label(userID),
		Target: r.Target(userID),
		Valid:  false,
	}
	if err := r.store.SaveDelegation(ctx, d); err != nil {
		return nil, fmt.Errorf("dcv: failed to save delegation: %w", err)
	}
	logger.Info("Delegation created", zap.String("userID", userID), zap.String("zone", normalized), zap.String("prefix", prefix))
	return d, nil
}

// FindDelegation resolves host to a delegation under the prefix-class rules:
// a leading wildcard marker is stripped; strict prefixes match the exact host
// only; fallback prefixes fall back to the registrable root of host, with an
// exact match winning over a root match.
func (r *Resolver) FindDelegation(ctx context.Context, userID, host, prefix string) (*model.CnameDelegation, error) {
	return r.find(ctx, userID, host, prefix, false)
}

// FindValidDelegation is FindDelegation restricted to valid delegations.
func (r *Resolver) FindValidDelegation(ctx context.Context, userID, host, prefix string) (*model.CnameDelegation, error) {
	return r.find(ctx, userID, host, prefix, true)
}

func (r *Resolver) find(ctx context.Context, userID, host, prefix string, validOnly bool) (*model.CnameDelegation, error) {
	if !KnownPrefix(prefix) {
		return nil, fmt.Errorf("dcv: unrecognized prefix %q", prefix)
	}
	host = strings.TrimPrefix(strings.ToLower(host), "*.")
	normalized, err := NormalizeZone(host)
	if err != nil {
		return nil, err
	}

	exact, err := r.store.GetDelegation(ctx, userID, normalized, prefix)
	if err != nil {
		return nil, fmt.Errorf("dcv: delegation lookup failed: %w", err)
	}
	if exact != nil && (!validOnly || exact.Valid) {
		return exact, nil
	}
	if strictPrefixes[prefix] {
		return nil, nil
	}

	root, err := r.psl.RegistrableDomain(ctx, normalized)
	if err != nil || root == normalized {
		return nil, nil
	}
	rootDelegation, err := r.store.GetDelegation(ctx, userID, root, prefix)
	if err != nil {
		return nil, fmt.Errorf("dcv: delegation lookup failed: %w", err)
	}
	if rootDelegation != nil && (!validOnly || rootDelegation.Valid) {
		return rootDelegation, nil
	}
	return nil, nil
}

// SplitPrefixAndZone lower-cases host, matches the leading label against the
// recognized prefixes and requires the remainder to be a plausible zone.
// Returns ("", "") when no known prefix matches.
func SplitPrefixAndZone(host string) (prefix, zone string) {
	host = strings.Trim(strings.ToLower(host), ".")
	for p := range strictPrefixes {
		if z, ok := splitAfter(host, p); ok {
			return p, z
		}
	}
	for p := range fallbackPrefixes {
		if z, ok := splitAfter(host, p); ok {
			return p, z
		}
	}
	return "", ""
}

func splitAfter(host, prefix string) (string, bool) {
	if !strings.HasPrefix(host, prefix+".") {
		return "", false
	}
	zone := strings.TrimPrefix(host, prefix+".")
	// a real zone has at least a name and a tld
	if !strings.Contains(zone, ".") {
		return "", false
	}
	return zone, true
}

// CheckAndUpdateValidity performs a live CNAME lookup for {prefix}.{zone} and
// records the outcome on the delegation. A single failed or mismatched check
// invalidates immediately; success resets the failure counter.
func (r *Resolver) CheckAndUpdateValidity(ctx context.Context, d *model.CnameDelegation) (*model.CnameDelegation, error) {
	fqdn := d.Prefix + "." + d.Zone
	target, err := r.dns.LookupCNAME(ctx, fqdn)

	now := time.Now()
	d.LastCheckedAt = &now
	switch {
	case err != nil:
		d.Valid = false
		d.FailureCount++
		d.LastError = err.Error()
	case !cnameEqual(target, d.Target):
		d.Valid = false
		d.FailureCount++
		d.LastError = fmt.Sprintf("CNAME points at %q, expected %q", target, d.Target)
	default:
		d.Valid = true
		d.FailureCount = 0
		d.LastError = ""
	}

	if saveErr := r.store.SaveDelegation(ctx, d); saveErr != nil {
		return nil, fmt.Errorf("dcv: failed to record health check: %w", saveErr)
	}
	if !d.Valid {
		logger.Warn("Delegation check failed",
			zap.String("zone", d.Zone), zap.String("prefix", d.Prefix),
			zap.Int("failureCount", d.FailureCount), zap.String("lastError", d.LastError))
	}
	return d, nil
}

func cnameEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

// PublishProof writes value as a TXT record at the delegation target.
// Best-effort by contract: callers log the returned error and move on.
func (r *Resolver) PublishProof(ctx context.Context, d *model.CnameDelegation, value string) error {
	if r.publisher == nil {
		return fmt.Errorf("dcv: no TXT publisher configured")
	}
	if err := r.publisher.PublishTXT(ctx, d.Target, value); err != nil {
		return fmt.Errorf("dcv: failed to publish proof at %q: %w", d.Target, err)
	}
	logger.Debug("Proof value published", zap.String("target", d.Target))
	return nil
}
