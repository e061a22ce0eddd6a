package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zhuxbo/certfront/internal/model"
)

// MemoryStorage is an in-memory Storage implementation for tests and
// development. A single mutex guards all maps; WithinTransaction snapshots
// state and restores it when the function fails.
type MemoryStorage struct {
	mu sync.Mutex

	nonces        map[string]*model.Nonce
	accounts      map[string]*model.Account
	users         map[string]*model.User
	eabs          map[string]*model.EABCredential
	products      map[string]*model.Product
	prices        map[string]*model.PriceLevel
	subscriptions map[string]*model.Subscription
	certRequests  map[string]*model.CertificateRequest
	authzs        map[string]*model.Authorization
	delegations   map[string]*model.CnameDelegation
	transactions  map[string]*model.Transaction

	inTx bool
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nonces:        make(map[string]*model.Nonce),
		accounts:      make(map[string]*model.Account),
		users:         make(map[string]*model.User),
		eabs:          make(map[string]*model.EABCredential),
		products:      make(map[string]*model.Product),
		prices:        make(map[string]*model.PriceLevel),
		subscriptions: make(map[string]*model.Subscription),
		certRequests:  make(map[string]*model.CertificateRequest),
		authzs:        make(map[string]*model.Authorization),
		delegations:   make(map[string]*model.CnameDelegation),
		transactions:  make(map[string]*model.Transaction),
	}
}

// Close is a no-op for in-memory storage.
func (s *MemoryStorage) Close() error { return nil }

// WithinTransaction runs fn against the same store, restoring a snapshot of
// the maps if fn returns an error. Nested transactions are rejected like in
// the PostgreSQL implementation.
func (s *MemoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return fmt.Errorf("storage: cannot start a transaction within an existing transaction")
	}
	s.inTx = true
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	err := fn(ctx, s)

	s.mu.Lock()
	s.inTx = false
	if err != nil {
		s.restoreLocked(snapshot)
	}
	s.mu.Unlock()
	return err
}

type memorySnapshot struct {
	nonces        map[string]*model.Nonce
	accounts      map[string]*model.Account
	users         map[string]*model.User
	eabs          map[string]*model.EABCredential
	products      map[string]*model.Product
	prices        map[string]*model.PriceLevel
	subscriptions map[string]*model.Subscription
	certRequests  map[string]*model.CertificateRequest
	authzs        map[string]*model.Authorization
	delegations   map[string]*model.CnameDelegation
	transactions  map[string]*model.Transaction
}

func (s *MemoryStorage) snapshotLocked() *memorySnapshot {
	snap := &memorySnapshot{
		nonces:        make(map[string]*model.Nonce, len(s.nonces)),
		accounts:      make(map[string]*model.Account, len(s.accounts)),
		users:         make(map[string]*model.User, len(s.users)),
		eabs:          make(map[string]*model.EABCredential, len(s.eabs)),
		products:      make(map[string]*model.Product, len(s.products)),
		prices:        make(map[string]*model.PriceLevel, len(s.prices)),
		subscriptions: make(map[string]*model.Subscription, len(s.subscriptions)),
		certRequests:  make(map[string]*model.CertificateRequest, len(s.certRequests)),
		authzs:        make(map[string]*model.Authorization, len(s.authzs)),
		delegations:   make(map[string]*model.CnameDelegation, len(s.delegations)),
		transactions:  make(map[string]*model.Transaction, len(s.transactions)),
	}
	for k, v := range s.nonces {
		c := *v
		snap.nonces[k] = &c
	}
	for k, v := range s.accounts {
		c := *v
		snap.accounts[k] = &c
	}
	for k, v := range s.users {
		c := *v
		snap.users[k] = &c
	}
	for k, v := range s.eabs {
		c := *v
		snap.eabs[k] = &c
	}
	for k, v := range s.products {
		c := *v
		snap.products[k] = &c
	}
	for k, v := range s.prices {
		c := *v
		snap.prices[k] = &c
	}
	for k, v := range s.subscriptions {
		c := *v
		snap.subscriptions[k] = &c
	}
	for k, v := range s.certRequests {
		c := *v
		snap.certRequests[k] = &c
	}
	for k, v := range s.authzs {
		c := *v
		snap.authzs[k] = &c
	}
	for k, v := range s.delegations {
		c := *v
		snap.delegations[k] = &c
	}
	for k, v := range s.transactions {
		c := *v
		snap.transactions[k] = &c
	}
	return snap
}

func (s *MemoryStorage) restoreLocked(snap *memorySnapshot) {
	s.nonces = snap.nonces
	s.accounts = snap.accounts
	s.users = snap.users
	s.eabs = snap.eabs
	s.products = snap.products
	s.prices = snap.prices
	s.subscriptions = snap.subscriptions
	s.certRequests = snap.certRequests
	s.authzs = snap.authzs
	s.delegations = snap.delegations
	s.transactions = snap.transactions
}

// --- Nonce ---

func (s *MemoryStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nonces[nonce.Value]; exists {
		return fmt.Errorf("storage: nonce already exists")
	}
	c := *nonce
	s.nonces[nonce.Value] = &c
	return nil
}

func (s *MemoryStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[nonceValue]
	if !ok {
		return nil, nil
	}
	delete(s.nonces, nonceValue)
	if !n.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	c := *n
	return &c, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var count int64
	for v, n := range s.nonces {
		if !n.ExpiresAt.After(now) {
			delete(s.nonces, v)
			count++
		}
	}
	return count, nil
}

// --- Account ---

func (s *MemoryStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	for _, other := range s.accounts {
		if other.KeyID == acc.KeyID && other.ID != acc.ID {
			return fmt.Errorf("storage: key_id already bound to account '%s'", other.ID)
		}
	}
	c := *acc
	s.accounts[acc.ID] = &c
	return nil
}

func (s *MemoryStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *acc
	return &c, nil
}

func (s *MemoryStorage) GetAccountByKeyID(ctx context.Context, keyID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.KeyID == keyID {
			c := *acc
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetAccountsByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accounts := make([]*model.Account, 0)
	for _, acc := range s.accounts {
		if acc.UserID == userID {
			c := *acc
			accounts = append(accounts, &c)
		}
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.Before(accounts[j].CreatedAt) })
	return accounts, nil
}

// --- User / EAB ---

func (s *MemoryStorage) SaveUser(ctx context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	c := *user
	s.users[user.ID] = &c
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	c := *user
	return &c, nil
}

func (s *MemoryStorage) AdjustUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("storage: user '%s' not found", userID)
	}
	next := user.Balance.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientBalance
	}
	user.Balance = next
	return nil
}

func (s *MemoryStorage) SaveEABCredential(ctx context.Context, cred *model.EABCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	c := *cred
	s.eabs[cred.KeyID] = &c
	return nil
}

func (s *MemoryStorage) GetEABCredential(ctx context.Context, kid string) (*model.EABCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.eabs[kid]
	if !ok {
		return nil, nil
	}
	c := *cred
	return &c, nil
}

// --- Product / Price ---

func (s *MemoryStorage) SaveProduct(ctx context.Context, p *model.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.products[p.ID] = &c
	return nil
}

func (s *MemoryStorage) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func priceKey(productID string, periodMonths int, level, userID string) string {
	return fmt.Sprintf("%s|%d|%s|%s", productID, periodMonths, level, userID)
}

func (s *MemoryStorage) SavePriceLevel(ctx context.Context, pl *model.PriceLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *pl
	s.prices[priceKey(pl.ProductID, pl.PeriodMonths, pl.Level, pl.UserID)] = &c
	return nil
}

func (s *MemoryStorage) GetLevelPrice(ctx context.Context, productID string, periodMonths int, level string) (*model.Price, error) {
	return s.getPrice(productID, periodMonths, level, "")
}

func (s *MemoryStorage) GetCustomPrice(ctx context.Context, productID string, periodMonths int, userID string) (*model.Price, error) {
	return s.getPrice(productID, periodMonths, "", userID)
}

func (s *MemoryStorage) getPrice(productID string, periodMonths int, level, userID string) (*model.Price, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.prices[priceKey(productID, periodMonths, level, userID)]
	if !ok {
		return nil, nil
	}
	return &model.Price{Base: pl.Base, PerStandard: pl.PerStandard, PerWildcard: pl.PerWildcard}, nil
}

// --- Subscription ---

func (s *MemoryStorage) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.LastModifiedAt = now
	if existing, ok := s.subscriptions[sub.ID]; ok {
		// counters never go backwards
		if existing.PurchasedStandard > sub.PurchasedStandard {
			sub.PurchasedStandard = existing.PurchasedStandard
		}
		if existing.PurchasedWildcard > sub.PurchasedWildcard {
			sub.PurchasedWildcard = existing.PurchasedWildcard
		}
	}
	c := *sub
	s.subscriptions[sub.ID] = &c
	return nil
}

func (s *MemoryStorage) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, nil
	}
	c := *sub
	return &c, nil
}

func (s *MemoryStorage) GetActiveSubscriptionsByUserID(ctx context.Context, userID string, at time.Time) ([]*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]*model.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.Active(at) {
			c := *sub
			subs = append(subs, &c)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.After(subs[j].CreatedAt) })
	return subs, nil
}

func (s *MemoryStorage) AdvancePurchasedCounters(ctx context.Context, subscriptionID string, standard, wildcard int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("storage: subscription '%s' not found for counter advance", subscriptionID)
	}
	if standard > sub.PurchasedStandard {
		sub.PurchasedStandard = standard
	}
	if wildcard > sub.PurchasedWildcard {
		sub.PurchasedWildcard = wildcard
	}
	sub.LastModifiedAt = time.Now()
	return nil
}

// --- CertificateRequest ---

func (s *MemoryStorage) SaveCertificateRequest(ctx context.Context, cr *model.CertificateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.LastModifiedAt = now
	identifiersJSON, err := json.Marshal(cr.Identifiers)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal identifiers for request '%s': %w", cr.ID, err)
	}
	cr.IdentifiersJSON = string(identifiersJSON)
	c := *cr
	c.Identifiers = append([]string(nil), cr.Identifiers...)
	s.certRequests[cr.ID] = &c
	return nil
}

func (s *MemoryStorage) GetCertificateRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cr, ok := s.certRequests[id]
	if !ok {
		return nil, nil
	}
	c := *cr
	c.Identifiers = append([]string(nil), cr.Identifiers...)
	return &c, nil
}

func (s *MemoryStorage) GetCertificateRequestByFingerprint(ctx context.Context, fingerprint string) (*model.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fingerprint == "" {
		return nil, nil
	}
	for _, cr := range s.certRequests {
		if cr.Fingerprint == fingerprint {
			c := *cr
			c.Identifiers = append([]string(nil), cr.Identifiers...)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetCertificateRequestsBySubscriptionID(ctx context.Context, subscriptionID string) ([]*model.CertificateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	crs := make([]*model.CertificateRequest, 0)
	for _, cr := range s.certRequests {
		if cr.SubscriptionID == subscriptionID {
			c := *cr
			c.Identifiers = append([]string(nil), cr.Identifiers...)
			crs = append(crs, &c)
		}
	}
	sort.Slice(crs, func(i, j int) bool { return crs[i].CreatedAt.Before(crs[j].CreatedAt) })
	return crs, nil
}

// --- Authorization ---

func (s *MemoryStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	c := *authz
	s.authzs[authz.ID] = &c
	return nil
}

func (s *MemoryStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authz, ok := s.authzs[id]
	if !ok {
		return nil, nil
	}
	c := *authz
	return &c, nil
}

func (s *MemoryStorage) GetAuthorizationsByCertRequestID(ctx context.Context, certRequestID string) ([]*model.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authzs := make([]*model.Authorization, 0)
	for _, authz := range s.authzs {
		if authz.CertRequestID == certRequestID {
			c := *authz
			authzs = append(authzs, &c)
		}
	}
	sort.Slice(authzs, func(i, j int) bool { return authzs[i].CreatedAt.Before(authzs[j].CreatedAt) })
	return authzs, nil
}

// --- CnameDelegation ---

func delegationKey(userID, zone, prefix string) string {
	return userID + "|" + zone + "|" + prefix
}

func (s *MemoryStorage) SaveDelegation(ctx context.Context, d *model.CnameDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	c := *d
	s.delegations[delegationKey(d.UserID, d.Zone, d.Prefix)] = &c
	return nil
}

func (s *MemoryStorage) GetDelegation(ctx context.Context, userID, zone, prefix string) (*model.CnameDelegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[delegationKey(userID, zone, prefix)]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (s *MemoryStorage) GetDelegationByID(ctx context.Context, id string) (*model.CnameDelegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.delegations {
		if d.ID == id {
			c := *d
			return &c, nil
		}
	}
	return nil, nil
}

// --- Transaction ---

func (s *MemoryStorage) SaveTransaction(ctx context.Context, txn *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	c := *txn
	s.transactions[txn.ID] = &c
	return nil
}
