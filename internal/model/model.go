package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account statuses.
const (
	AccountStatusValid       = "valid"
	AccountStatusDeactivated = "deactivated"
	AccountStatusRevoked     = "revoked"
)

// CertificateRequest statuses.
const (
	CertStatusUnpaid     = "unpaid"
	CertStatusPending    = "pending"
	CertStatusProcessing = "processing"
	CertStatusActive     = "active"
	CertStatusFailed     = "failed"
	CertStatusRevoked    = "revoked"
	CertStatusCancelled  = "cancelled"
)

// Authorization / challenge statuses.
const (
	AuthzStatusPending     = "pending"
	AuthzStatusValid       = "valid"
	AuthzStatusInvalid     = "invalid"
	AuthzStatusDeactivated = "deactivated"
	AuthzStatusExpired     = "expired"
	AuthzStatusRevoked     = "revoked"
)

// Account represents an ACME account bound to a billing user.
type Account struct {
	ID             string    `json:"id" db:"id"`                     // Unique account identifier (UUID)
	KeyID          string    `json:"-" db:"key_id"`                  // JWK thumbprint, unique per key
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"`          // Public key in JWK format (JSON string)
	Contact        []string  `json:"contact,omitempty" db:"contact"` // Contact URLs (e.g., "mailto:...")
	Status         string    `json:"status" db:"status"`             // "valid", "deactivated", "revoked"
	UserID         string    `json:"-" db:"user_id"`                 // Billing identity that funds issuance
	EABKeyID       string    `json:"-" db:"eab_kid"`                 // EAB kid used at registration
	SubscriptionID string    `json:"-" db:"subscription_id"`         // Direct subscription reference, may be empty
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// User is the billing identity. Accounts reference it; subscriptions and
// transactions are owned by it.
type User struct {
	ID        string          `json:"id" db:"id"`
	Email     string          `json:"email" db:"email"`
	Level     string          `json:"level" db:"level"` // price level code, e.g. "standard", "gold"
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"-" db:"created_at"`
}

// EABCredential binds an external-account-binding kid to a billing user.
type EABCredential struct {
	KeyID     string    `json:"kid" db:"kid"` // EAB key identifier (Primary Key)
	HMACKey   string    `json:"-" db:"hmac_key"`
	UserID    string    `json:"-" db:"user_id"`
	CreatedAt time.Time `json:"-" db:"created_at"`
}

// Product defines SAN ceilings, minimum thresholds and issuance category.
type Product struct {
	ID                string `json:"id" db:"id"`
	Name              string `json:"name" db:"name"`
	Category          string `json:"category" db:"category"` // "dv", "ov", "ev", "wildcard"
	MaxStandard       int    `json:"maxStandard" db:"max_standard"`
	MaxWildcard       int    `json:"maxWildcard" db:"max_wildcard"`
	IncludedStandard  int    `json:"includedStandard" db:"included_standard"` // SANs covered by the base price
	IncludedWildcard  int    `json:"includedWildcard" db:"included_wildcard"`
	GiftRootDomain    bool   `json:"giftRootDomain" db:"gift_root_domain"` // free companion names enabled
	ReissueSupported  bool   `json:"reissueSupported" db:"reissue_supported"`
	ValidityMaxMonths int    `json:"validityMaxMonths" db:"validity_max_months"`
}

// Price is a resolved price triple for a (product, period) pair.
type Price struct {
	Base        decimal.Decimal `json:"base" db:"base_price"`
	PerStandard decimal.Decimal `json:"perStandard" db:"per_standard"`
	PerWildcard decimal.Decimal `json:"perWildcard" db:"per_wildcard"`
}

// PriceLevel is a stored price row, either a public level price or a per-user
// custom override (UserID set, Level empty).
type PriceLevel struct {
	ProductID    string          `db:"product_id"`
	PeriodMonths int             `db:"period_months"`
	Level        string          `db:"level"`
	UserID       string          `db:"user_id"`
	Base         decimal.Decimal `db:"base_price"`
	PerStandard  decimal.Decimal `db:"per_standard"`
	PerWildcard  decimal.Decimal `db:"per_wildcard"`
}

// Subscription is the billing object funding certificate requests. The
// purchased counters are monotonically non-decreasing.
type Subscription struct {
	ID                   string    `json:"id" db:"id"`
	UserID               string    `json:"-" db:"user_id"`
	ProductID            string    `json:"productId" db:"product_id"`
	PeriodMonths         int       `json:"periodMonths" db:"period_months"`
	StartsAt             time.Time `json:"startsAt" db:"starts_at"`
	EndsAt               time.Time `json:"endsAt" db:"ends_at"`
	PurchasedStandard    int       `json:"purchasedStandard" db:"purchased_standard"`
	PurchasedWildcard    int       `json:"purchasedWildcard" db:"purchased_wildcard"`
	AutoRenew            bool      `json:"autoRenew" db:"auto_renew"`
	CurrentCertRequestID string    `json:"-" db:"current_cert_request_id"` // head of the successor chain
	CreatedAt            time.Time `json:"-" db:"created_at"`
	LastModifiedAt       time.Time `json:"-" db:"last_modified_at"`
}

// Active reports whether the subscription period covers t.
func (s *Subscription) Active(t time.Time) bool {
	return !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}

// CertificateRequest is the protocol order and the eventual certificate
// record as one lifecycle object. It is never deleted, only superseded via
// PredecessorID (forward-only chain).
type CertificateRequest struct {
	ID             string     `json:"id" db:"id"`
	SubscriptionID string     `json:"-" db:"subscription_id"`
	UserID         string     `json:"-" db:"user_id"`
	AccountID      string     `json:"-" db:"account_id"`
	Identifiers    []string   `json:"identifiers" db:"-"`
	StandardCount  int        `json:"standardCount" db:"standard_count"`
	WildcardCount  int        `json:"wildcardCount" db:"wildcard_count"`
	Status         string     `json:"status" db:"status"`
	CSR            string     `json:"-" db:"csr"`         // base64url DER, set on finalize
	UpstreamID     string     `json:"-" db:"upstream_id"` // upstream CA correlation id
	PredecessorID  string     `json:"-" db:"predecessor_id"`
	CertificatePEM string     `json:"-" db:"certificate_pem"`
	ChainPEM       string     `json:"-" db:"chain_pem"`
	SerialNumber   string     `json:"serialNumber,omitempty" db:"serial_number"`
	Fingerprint    string     `json:"fingerprint,omitempty" db:"fingerprint"`
	IssuerCN       string     `json:"issuer,omitempty" db:"issuer_cn"`
	KeyBits        int        `json:"keyBits,omitempty" db:"key_bits"`
	SignatureAlg   string     `json:"signatureAlg,omitempty" db:"signature_alg"`
	Digest         string     `json:"digest,omitempty" db:"digest"`
	NotBefore      *time.Time `json:"notBefore,omitempty" db:"not_before"`
	NotAfter       *time.Time `json:"notAfter,omitempty" db:"not_after"`
	CreatedAt      time.Time  `json:"-" db:"created_at"`
	LastModifiedAt time.Time  `json:"-" db:"last_modified_at"`

	// Storage helper - denormalized identifiers JSON for easier DB storage
	IdentifiersJSON string `json:"-" db:"identifiers_json"`
}

// Issued reports whether a certificate has been stored on the request.
func (cr *CertificateRequest) Issued() bool {
	return cr.CertificatePEM != ""
}

// Reusable reports whether the request may safely absorb a client retry:
// it has neither an upstream correlation id nor an issued certificate.
func (cr *CertificateRequest) Reusable() bool {
	return cr.Status == CertStatusPending && cr.UpstreamID == "" && !cr.Issued()
}

// Authorization tracks domain-control proof for one identifier of a request.
type Authorization struct {
	ID               string     `json:"id" db:"id"`
	CertRequestID    string     `json:"-" db:"cert_request_id"`
	Identifier       string     `json:"identifier" db:"identifier"`
	Wildcard         bool       `json:"wildcard" db:"wildcard"`
	Status           string     `json:"status" db:"status"`
	ChallengeType    string     `json:"challengeType" db:"challenge_type"` // e.g. "dns-01"
	Token            string     `json:"token" db:"token"`
	KeyAuthorization string     `json:"-" db:"key_authorization"`
	ChallengeStatus  string     `json:"challengeStatus" db:"challenge_status"`
	ExpiresAt        time.Time  `json:"expires" db:"expires_at"`
	ValidatedAt      *time.Time `json:"validated,omitempty" db:"validated_at"`
	CreatedAt        time.Time  `json:"-" db:"created_at"`
}

// CnameDelegation is the per-user DNS alias used to publish DCV proof values.
// (user, zone, prefix) is unique. Mutated only by health checks.
type CnameDelegation struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"-" db:"user_id"`
	Zone          string     `json:"zone" db:"zone"`     // canonical unicode form
	Prefix        string     `json:"prefix" db:"prefix"` // e.g. "_acme-challenge"
	Label         string     `json:"label" db:"label"`   // stable per-user label, not secret
	Target        string     `json:"target" db:"target"` // "{label}.{base zone}"
	Valid         bool       `json:"valid" db:"valid"`
	FailureCount  int        `json:"failureCount" db:"failure_count"` // consecutive failed checks
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty" db:"last_checked_at"`
	LastError     string     `json:"lastError,omitempty" db:"last_error"`
	CreatedAt     time.Time  `json:"-" db:"created_at"`
}

// Nonce is a single-use anti-replay token (storage model).
type Nonce struct {
	Value     string    `db:"value"`      // The nonce value (Primary Key)
	ExpiresAt time.Time `db:"expires_at"` // Expiry time
	IssuedAt  time.Time `db:"issued_at"`  // Issuance time
}

// Transaction records one billing movement. Balance mutation is performed by
// the explicit charge command, never as an on-save side effect.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"-" db:"user_id"`
	SubscriptionID string          `json:"-" db:"subscription_id"`
	CertRequestID  string          `json:"-" db:"cert_request_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // positive = debit
	Kind           string          `json:"kind" db:"kind"`     // "order", "reissue", "renew"
	Note           string          `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time       `json:"-" db:"created_at"`
}
