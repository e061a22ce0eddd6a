package dcv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhuxbo/certfront/internal/storage"
)

type stubDNS struct {
	answers map[string]string // fqdn -> target
	err     error
}

func (s *stubDNS) LookupCNAME(ctx context.Context, fqdn string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	target, ok := s.answers[fqdn]
	if !ok {
		return "", fmt.Errorf("no CNAME record for %q", fqdn)
	}
	return target, nil
}

func newTestResolver(t *testing.T, dns CNAMEQuerier) (*Resolver, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	psl := NewSuffixCache("", time.Hour) // compiled-in table only
	return NewResolver(store, psl, dns, nil, "auth.certfront.net", "test-salt"), store
}

func TestLabelIsDeterministicAndPerUser(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	a := r.Label("user-1")
	b := r.Label("user-1")
	c := r.Label("user-2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 20)
	assert.Equal(t, a+".auth.certfront.net", r.Target("user-1"))
}

func TestCreateOrGetIsIdempotent(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	ctx := context.Background()

	first, err := r.CreateOrGet(ctx, "user-1", "Example.COM.", "_acme-challenge")
	require.NoError(t, err)
	assert.Equal(t, "example.com", first.Zone)
	assert.False(t, first.Valid)

	second, err := r.CreateOrGet(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateOrGetNormalizesPunycode(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	d, err := r.CreateOrGet(context.Background(), "user-1", "xn--bcher-kva.example", "_dnsauth")
	require.NoError(t, err)
	assert.Equal(t, "bücher.example", d.Zone)
}

func TestCreateOrGetRejectsUnknownPrefix(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	_, err := r.CreateOrGet(context.Background(), "user-1", "example.com", "_bogus")
	assert.Error(t, err)
}

func TestStrictPrefixNeverFallsBack(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	ctx := context.Background()
	_, err := r.CreateOrGet(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)

	got, err := r.FindDelegation(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)
	require.NotNil(t, got)

	for _, host := range []string{"sub.example.com", "www.example.com"} {
		got, err := r.FindDelegation(ctx, "user-1", host, "_acme-challenge")
		require.NoError(t, err)
		assert.Nil(t, got, "strict prefix must not resolve %s via the root", host)
	}
}

func TestFallbackPrefixResolvesViaRegistrableRoot(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	ctx := context.Background()
	root, err := r.CreateOrGet(ctx, "user-1", "example.com", "_validation")
	require.NoError(t, err)

	got, err := r.FindDelegation(ctx, "user-1", "sub.example.com", "_validation")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, root.ID, got.ID)
}

func TestExactDelegationWinsOverRoot(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	ctx := context.Background()
	_, err := r.CreateOrGet(ctx, "user-1", "example.com", "_validation")
	require.NoError(t, err)
	sub, err := r.CreateOrGet(ctx, "user-1", "sub.example.com", "_validation")
	require.NoError(t, err)

	got, err := r.FindDelegation(ctx, "user-1", "sub.example.com", "_validation")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sub.ID, got.ID)
}

func TestFindDelegationStripsWildcardMarker(t *testing.T) {
	r, _ := newTestResolver(t, &stubDNS{})
	ctx := context.Background()
	d, err := r.CreateOrGet(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)

	got, err := r.FindDelegation(ctx, "user-1", "*.example.com", "_acme-challenge")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)
}

func TestFindValidDelegationFiltersInvalid(t *testing.T) {
	r, store := newTestResolver(t, &stubDNS{})
	ctx := context.Background()
	d, err := r.CreateOrGet(ctx, "user-1", "example.com", "_validation")
	require.NoError(t, err)

	got, err := r.FindValidDelegation(ctx, "user-1", "example.com", "_validation")
	require.NoError(t, err)
	assert.Nil(t, got)

	d.Valid = true
	require.NoError(t, store.SaveDelegation(ctx, d))

	got, err = r.FindValidDelegation(ctx, "user-1", "sub.example.com", "_validation")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, d.ID, got.ID)
}

func TestSplitPrefixAndZone(t *testing.T) {
	cases := []struct {
		host       string
		wantPrefix string
		wantZone   string
	}{
		{"_acme-challenge.example.com", "_acme-challenge", "example.com"},
		{"_ACME-Challenge.Example.COM", "_acme-challenge", "example.com"},
		{"_dnsauth.a.b.example.com", "_dnsauth", "a.b.example.com"},
		{"_validation.example.com", "_validation", "example.com"},
		{"_pki-validation.example.com", "_pki-validation", "example.com"},
		{"_acme-challenge.com", "", ""}, // remainder too short to be a zone
		{"_unknown.example.com", "", ""},
		{"example.com", "", ""},
	}
	for _, tc := range cases {
		prefix, zone := SplitPrefixAndZone(tc.host)
		assert.Equal(t, tc.wantPrefix, prefix, "host %s", tc.host)
		assert.Equal(t, tc.wantZone, zone, "host %s", tc.host)
	}
}

func TestCheckAndUpdateValiditySuccess(t *testing.T) {
	stub := &stubDNS{answers: map[string]string{}}
	r, _ := newTestResolver(t, stub)
	ctx := context.Background()
	d, err := r.CreateOrGet(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)

	// trailing dot and case differences must not matter
	stub.answers["_acme-challenge.example.com"] = d.Target + "."

	checked, err := r.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	assert.True(t, checked.Valid)
	assert.Zero(t, checked.FailureCount)
	assert.Empty(t, checked.LastError)
	assert.NotNil(t, checked.LastCheckedAt)
}

func TestCheckAndUpdateValidityFirstFailureInvalidates(t *testing.T) {
	stub := &stubDNS{answers: map[string]string{}}
	r, store := newTestResolver(t, stub)
	ctx := context.Background()
	d, err := r.CreateOrGet(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)

	stub.answers["_acme-challenge.example.com"] = d.Target
	d, err = r.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	require.True(t, d.Valid)

	// one mismatch flips it immediately, no grace window
	stub.answers["_acme-challenge.example.com"] = "somewhere.else.example.net"
	d, err = r.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	assert.False(t, d.Valid)
	assert.Equal(t, 1, d.FailureCount)
	assert.NotEmpty(t, d.LastError)

	stored, err := store.GetDelegation(ctx, "user-1", "example.com", "_acme-challenge")
	require.NoError(t, err)
	assert.False(t, stored.Valid)
}

func TestCheckAndUpdateValidityCountsConsecutiveFailures(t *testing.T) {
	stub := &stubDNS{err: fmt.Errorf("SERVFAIL")}
	r, _ := newTestResolver(t, stub)
	ctx := context.Background()
	d, err := r.CreateOrGet(ctx, "user-1", "example.com", "_dnsauth")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		d, err = r.CheckAndUpdateValidity(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, i, d.FailureCount)
	}

	stub.err = nil
	stub.answers = map[string]string{"_dnsauth.example.com": d.Target}
	d, err = r.CheckAndUpdateValidity(ctx, d)
	require.NoError(t, err)
	assert.True(t, d.Valid)
	assert.Zero(t, d.FailureCount)
}

func TestRegistrableDomainFallbackTable(t *testing.T) {
	psl := NewSuffixCache("", time.Hour)
	ctx := context.Background()

	root, err := psl.RegistrableDomain(ctx, "a.b.example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", root)

	root, err = psl.RegistrableDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", root)

	_, err = psl.RegistrableDomain(ctx, "co.uk")
	assert.Error(t, err)
}
