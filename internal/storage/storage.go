package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhuxbo/certfront/internal/model"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// ErrInsufficientBalance is returned by AdjustUserBalance when a debit would
// push the balance negative. The surrounding transaction must abort.
var ErrInsufficientBalance = errors.New("storage: insufficient balance")

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage methods to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage defines the interface for persisting protocol and billing data.
type Storage interface {
	// Nonce Methods
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Account Methods
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKeyID(ctx context.Context, keyID string) (*model.Account, error)
	GetAccountsByUserID(ctx context.Context, userID string) ([]*model.Account, error)

	// User / EAB Methods
	SaveUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	AdjustUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error
	SaveEABCredential(ctx context.Context, cred *model.EABCredential) error
	GetEABCredential(ctx context.Context, kid string) (*model.EABCredential, error)

	// Product / Price Methods
	SaveProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	SavePriceLevel(ctx context.Context, pl *model.PriceLevel) error
	GetLevelPrice(ctx context.Context, productID string, periodMonths int, level string) (*model.Price, error)
	GetCustomPrice(ctx context.Context, productID string, periodMonths int, userID string) (*model.Price, error)

	// Subscription Methods
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	GetActiveSubscriptionsByUserID(ctx context.Context, userID string, at time.Time) ([]*model.Subscription, error)
	// AdvancePurchasedCounters raises the purchased counters to the given
	// targets. Counters never decrease; a lower target is a no-op.
	AdvancePurchasedCounters(ctx context.Context, subscriptionID string, standard, wildcard int) error

	// CertificateRequest Methods
	SaveCertificateRequest(ctx context.Context, cr *model.CertificateRequest) error
	GetCertificateRequest(ctx context.Context, id string) (*model.CertificateRequest, error)
	GetCertificateRequestByFingerprint(ctx context.Context, fingerprint string) (*model.CertificateRequest, error)
	GetCertificateRequestsBySubscriptionID(ctx context.Context, subscriptionID string) ([]*model.CertificateRequest, error)

	// Authorization Methods
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByCertRequestID(ctx context.Context, certRequestID string) ([]*model.Authorization, error)

	// CnameDelegation Methods
	SaveDelegation(ctx context.Context, d *model.CnameDelegation) error
	GetDelegation(ctx context.Context, userID, zone, prefix string) (*model.CnameDelegation, error)
	GetDelegationByID(ctx context.Context, id string) (*model.CnameDelegation, error)

	// Transaction Methods
	SaveTransaction(ctx context.Context, txn *model.Transaction) error

	// Transaction Helper
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Close() error
}

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(pingCtx)
	if err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_nonces_expires_at ON nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS users ( id TEXT PRIMARY KEY, email TEXT NOT NULL, level TEXT NOT NULL DEFAULT 'standard', balance NUMERIC(14,2) NOT NULL DEFAULT 0, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS eab_credentials ( kid TEXT PRIMARY KEY, hmac_key TEXT NOT NULL, user_id TEXT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS accounts ( id TEXT PRIMARY KEY, key_id TEXT NOT NULL UNIQUE, public_key_jwk TEXT NOT NULL, contact TEXT[], status TEXT NOT NULL, user_id TEXT NOT NULL, eab_kid TEXT, subscription_id TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts (user_id);`,
		`CREATE TABLE IF NOT EXISTS products ( id TEXT PRIMARY KEY, name TEXT NOT NULL, category TEXT NOT NULL, max_standard INTEGER NOT NULL, max_wildcard INTEGER NOT NULL, included_standard INTEGER NOT NULL DEFAULT 1, included_wildcard INTEGER NOT NULL DEFAULT 0, gift_root_domain BOOLEAN NOT NULL DEFAULT false, reissue_supported BOOLEAN NOT NULL DEFAULT true, validity_max_months INTEGER NOT NULL DEFAULT 12 );`,
		`CREATE TABLE IF NOT EXISTS price_levels ( product_id TEXT NOT NULL, period_months INTEGER NOT NULL, level TEXT NOT NULL DEFAULT '', user_id TEXT NOT NULL DEFAULT '', base_price NUMERIC(14,2) NOT NULL, per_standard NUMERIC(14,2) NOT NULL, per_wildcard NUMERIC(14,2) NOT NULL, PRIMARY KEY (product_id, period_months, level, user_id) );`,
		`CREATE TABLE IF NOT EXISTS subscriptions ( id TEXT PRIMARY KEY, user_id TEXT NOT NULL, product_id TEXT NOT NULL, period_months INTEGER NOT NULL, starts_at TIMESTAMP WITH TIME ZONE NOT NULL, ends_at TIMESTAMP WITH TIME ZONE NOT NULL, purchased_standard INTEGER NOT NULL DEFAULT 0, purchased_wildcard INTEGER NOT NULL DEFAULT 0, auto_renew BOOLEAN NOT NULL DEFAULT false, current_cert_request_id TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions (user_id);`,
		`CREATE TABLE IF NOT EXISTS cert_requests ( id TEXT PRIMARY KEY, subscription_id TEXT NOT NULL, user_id TEXT NOT NULL, account_id TEXT, identifiers_json JSONB NOT NULL, standard_count INTEGER NOT NULL, wildcard_count INTEGER NOT NULL, status TEXT NOT NULL, csr TEXT, upstream_id TEXT, predecessor_id TEXT, certificate_pem TEXT, chain_pem TEXT, serial_number TEXT, fingerprint TEXT, issuer_cn TEXT, key_bits INTEGER, signature_alg TEXT, digest TEXT, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_cert_requests_subscription_id ON cert_requests (subscription_id);`,
		`CREATE INDEX IF NOT EXISTS idx_cert_requests_upstream_id ON cert_requests (upstream_id);`,
		`CREATE TABLE IF NOT EXISTS authorizations ( id TEXT PRIMARY KEY, cert_request_id TEXT NOT NULL, identifier TEXT NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, status TEXT NOT NULL, challenge_type TEXT NOT NULL, token TEXT NOT NULL, key_authorization TEXT NOT NULL, challenge_status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, validated_at TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_authorizations_cert_request_id ON authorizations (cert_request_id);`,
		`CREATE TABLE IF NOT EXISTS cname_delegations ( id TEXT PRIMARY KEY, user_id TEXT NOT NULL, zone TEXT NOT NULL, prefix TEXT NOT NULL, label TEXT NOT NULL, target TEXT NOT NULL, valid BOOLEAN NOT NULL DEFAULT false, failure_count INTEGER NOT NULL DEFAULT 0, last_checked_at TIMESTAMP WITH TIME ZONE, last_error TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, UNIQUE (user_id, zone, prefix) );`,
		`CREATE TABLE IF NOT EXISTS transactions ( id TEXT PRIMARY KEY, user_id TEXT NOT NULL, subscription_id TEXT, cert_request_id TEXT, amount NUMERIC(14,2) NOT NULL, kind TEXT NOT NULL, note TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions (user_id);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_accounts_user_id') THEN
                ALTER TABLE accounts ADD CONSTRAINT fk_accounts_user_id FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE RESTRICT;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_subscriptions_user_id') THEN
                ALTER TABLE subscriptions ADD CONSTRAINT fk_subscriptions_user_id FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE RESTRICT;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_cert_requests_subscription_id') THEN
                ALTER TABLE cert_requests ADD CONSTRAINT fk_cert_requests_subscription_id FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE RESTRICT;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_authorizations_cert_request_id') THEN
                ALTER TABLE authorizations ADD CONSTRAINT fk_authorizations_cert_request_id FOREIGN KEY (cert_request_id) REFERENCES cert_requests(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_eab_credentials_user_id') THEN
                ALTER TABLE eab_credentials ADD CONSTRAINT fk_eab_credentials_user_id FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE;
            END IF;
        END $$;`

	logger.Info("Executing ALTER TABLE ADD CONSTRAINT statements...")
	_, err := db.ExecContext(ctx, fkStmt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("severity", pqErr.Severity),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("constraint", pqErr.Constraint),
			)
		} else {
			logger.Error("Failed to execute schema statement (Foreign Key Phase)", zap.Error(err))
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// =============================================
// PostgreSQLStorage Method Implementations
// =============================================

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// --- Nonce ---
func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.db, nonce)
}
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.db, nonceValue)
}
func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.db)
}

// --- Account ---
func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.db, acc)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAccountByKeyID(ctx context.Context, keyID string) (*model.Account, error) {
	return getAccountByKeyID(ctx, s.db, keyID)
}
func (s *PostgreSQLStorage) GetAccountsByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	return getAccountsByUserID(ctx, s.db, userID)
}

// --- User / EAB ---
func (s *PostgreSQLStorage) SaveUser(ctx context.Context, user *model.User) error {
	return saveUser(ctx, s.db, user)
}
func (s *PostgreSQLStorage) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.db, id)
}
func (s *PostgreSQLStorage) AdjustUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	return adjustUserBalance(ctx, s.db, userID, delta)
}
func (s *PostgreSQLStorage) SaveEABCredential(ctx context.Context, cred *model.EABCredential) error {
	return saveEABCredential(ctx, s.db, cred)
}
func (s *PostgreSQLStorage) GetEABCredential(ctx context.Context, kid string) (*model.EABCredential, error) {
	return getEABCredential(ctx, s.db, kid)
}

// --- Product / Price ---
func (s *PostgreSQLStorage) SaveProduct(ctx context.Context, p *model.Product) error {
	return saveProduct(ctx, s.db, p)
}
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return getProduct(ctx, s.db, id)
}
func (s *PostgreSQLStorage) SavePriceLevel(ctx context.Context, pl *model.PriceLevel) error {
	return savePriceLevel(ctx, s.db, pl)
}
func (s *PostgreSQLStorage) GetLevelPrice(ctx context.Context, productID string, periodMonths int, level string) (*model.Price, error) {
	return getPrice(ctx, s.db, productID, periodMonths, level, "")
}
func (s *PostgreSQLStorage) GetCustomPrice(ctx context.Context, productID string, periodMonths int, userID string) (*model.Price, error) {
	return getPrice(ctx, s.db, productID, periodMonths, "", userID)
}

// --- Subscription ---
func (s *PostgreSQLStorage) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	return saveSubscription(ctx, s.db, sub)
}
func (s *PostgreSQLStorage) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return getSubscription(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetActiveSubscriptionsByUserID(ctx context.Context, userID string, at time.Time) ([]*model.Subscription, error) {
	return getActiveSubscriptionsByUserID(ctx, s.db, userID, at)
}
func (s *PostgreSQLStorage) AdvancePurchasedCounters(ctx context.Context, subscriptionID string, standard, wildcard int) error {
	return advancePurchasedCounters(ctx, s.db, subscriptionID, standard, wildcard)
}

// --- CertificateRequest ---
func (s *PostgreSQLStorage) SaveCertificateRequest(ctx context.Context, cr *model.CertificateRequest) error {
	return saveCertificateRequest(ctx, s.db, cr)
}
func (s *PostgreSQLStorage) GetCertificateRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	return getCertificateRequest(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetCertificateRequestByFingerprint(ctx context.Context, fingerprint string) (*model.CertificateRequest, error) {
	return getCertificateRequestByFingerprint(ctx, s.db, fingerprint)
}
func (s *PostgreSQLStorage) GetCertificateRequestsBySubscriptionID(ctx context.Context, subscriptionID string) ([]*model.CertificateRequest, error) {
	return getCertificateRequestsBySubscriptionID(ctx, s.db, subscriptionID)
}

// --- Authorization ---
func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.db, authz)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAuthorizationsByCertRequestID(ctx context.Context, certRequestID string) ([]*model.Authorization, error) {
	return getAuthorizationsByCertRequestID(ctx, s.db, certRequestID)
}

// --- CnameDelegation ---
func (s *PostgreSQLStorage) SaveDelegation(ctx context.Context, d *model.CnameDelegation) error {
	return saveDelegation(ctx, s.db, d)
}
func (s *PostgreSQLStorage) GetDelegation(ctx context.Context, userID, zone, prefix string) (*model.CnameDelegation, error) {
	return getDelegation(ctx, s.db, userID, zone, prefix)
}
func (s *PostgreSQLStorage) GetDelegationByID(ctx context.Context, id string) (*model.CnameDelegation, error) {
	return getDelegationByID(ctx, s.db, id)
}

// --- Transaction ---
func (s *PostgreSQLStorage) SaveTransaction(ctx context.Context, txn *model.Transaction) error {
	return saveTransaction(ctx, s.db, txn)
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

// Close is a no-op for a transaction store.
func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction cannot be called on an already active transaction store.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return errors.New("storage: cannot start a transaction within an existing transaction")
}

func (s *postgresTxStore) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.tx, nonce)
}
func (s *postgresTxStore) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.tx, nonceValue)
}
func (s *postgresTxStore) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	return deleteExpiredNonces(ctx, s.tx)
}
func (s *postgresTxStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.tx, acc)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAccountByKeyID(ctx context.Context, keyID string) (*model.Account, error) {
	return getAccountByKeyID(ctx, s.tx, keyID)
}
func (s *postgresTxStore) GetAccountsByUserID(ctx context.Context, userID string) ([]*model.Account, error) {
	return getAccountsByUserID(ctx, s.tx, userID)
}
func (s *postgresTxStore) SaveUser(ctx context.Context, user *model.User) error {
	return saveUser(ctx, s.tx, user)
}
func (s *postgresTxStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.tx, id)
}
func (s *postgresTxStore) AdjustUserBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	return adjustUserBalance(ctx, s.tx, userID, delta)
}
func (s *postgresTxStore) SaveEABCredential(ctx context.Context, cred *model.EABCredential) error {
	return saveEABCredential(ctx, s.tx, cred)
}
func (s *postgresTxStore) GetEABCredential(ctx context.Context, kid string) (*model.EABCredential, error) {
	return getEABCredential(ctx, s.tx, kid)
}
func (s *postgresTxStore) SaveProduct(ctx context.Context, p *model.Product) error {
	return saveProduct(ctx, s.tx, p)
}
func (s *postgresTxStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return getProduct(ctx, s.tx, id)
}
func (s *postgresTxStore) SavePriceLevel(ctx context.Context, pl *model.PriceLevel) error {
	return savePriceLevel(ctx, s.tx, pl)
}
func (s *postgresTxStore) GetLevelPrice(ctx context.Context, productID string, periodMonths int, level string) (*model.Price, error) {
	return getPrice(ctx, s.tx, productID, periodMonths, level, "")
}
func (s *postgresTxStore) GetCustomPrice(ctx context.Context, productID string, periodMonths int, userID string) (*model.Price, error) {
	return getPrice(ctx, s.tx, productID, periodMonths, "", userID)
}
func (s *postgresTxStore) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	return saveSubscription(ctx, s.tx, sub)
}
func (s *postgresTxStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return getSubscription(ctx, s.tx, id)
}
func (s *postgresTxStore) GetActiveSubscriptionsByUserID(ctx context.Context, userID string, at time.Time) ([]*model.Subscription, error) {
	return getActiveSubscriptionsByUserID(ctx, s.tx, userID, at)
}
func (s *postgresTxStore) AdvancePurchasedCounters(ctx context.Context, subscriptionID string, standard, wildcard int) error {
	return advancePurchasedCounters(ctx, s.tx, subscriptionID, standard, wildcard)
}
func (s *postgresTxStore) SaveCertificateRequest(ctx context.Context, cr *model.CertificateRequest) error {
	return saveCertificateRequest(ctx, s.tx, cr)
}
func (s *postgresTxStore) GetCertificateRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	return getCertificateRequest(ctx, s.tx, id)
}
func (s *postgresTxStore) GetCertificateRequestByFingerprint(ctx context.Context, fingerprint string) (*model.CertificateRequest, error) {
	return getCertificateRequestByFingerprint(ctx, s.tx, fingerprint)
}
func (s *postgresTxStore) GetCertificateRequestsBySubscriptionID(ctx context.Context, subscriptionID string) ([]*model.CertificateRequest, error) {
	return getCertificateRequestsBySubscriptionID(ctx, s.tx, subscriptionID)
}
func (s *postgresTxStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.tx, authz)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAuthorizationsByCertRequestID(ctx context.Context, certRequestID string) ([]*model.Authorization, error) {
	return getAuthorizationsByCertRequestID(ctx, s.tx, certRequestID)
}
func (s *postgresTxStore) SaveDelegation(ctx context.Context, d *model.CnameDelegation) error {
	return saveDelegation(ctx, s.tx, d)
}
func (s *postgresTxStore) GetDelegation(ctx context.Context, userID, zone, prefix string) (*model.CnameDelegation, error) {
	return getDelegation(ctx, s.tx, userID, zone, prefix)
}
func (s *postgresTxStore) GetDelegationByID(ctx context.Context, id string) (*model.CnameDelegation, error) {
	return getDelegationByID(ctx, s.tx, id)
}
func (s *postgresTxStore) SaveTransaction(ctx context.Context, txn *model.Transaction) error {
	return saveTransaction(ctx, s.tx, txn)
}

// =============================================
// Unexported Helper Implementations
// =============================================

// --- Nonce Helpers ---
func saveNonce(ctx context.Context, q Querier, nonce *model.Nonce) error {
	query := `INSERT INTO nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	_, err := q.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save nonce: %w", err)
	}
	return nil
}

// consumeNonce is a single atomic fetch-and-invalidate. A nonce that was
// already consumed, or never existed, or expired, yields (nil, nil).
func consumeNonce(ctx context.Context, q Querier, nonceValue string) (*model.Nonce, error) {
	query := `DELETE FROM nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := q.QueryRowContext(ctx, query, nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to consume nonce: %w", err)
	}
	return &nonce, nil
}

func deleteExpiredNonces(ctx context.Context, q Querier) (int64, error) {
	query := `DELETE FROM nonces WHERE expires_at <= NOW()`
	res, err := q.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Account Helpers ---
func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	query := `
        INSERT INTO accounts (id, key_id, public_key_jwk, contact, status, user_id, eab_kid, subscription_id, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            contact = EXCLUDED.contact, status = EXCLUDED.status, subscription_id = EXCLUDED.subscription_id,
            last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query,
		acc.ID, acc.KeyID, acc.PublicKeyJWK, pq.Array(acc.Contact), acc.Status,
		acc.UserID, acc.EABKeyID, acc.SubscriptionID, acc.CreatedAt, acc.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	var eabKid, subID sql.NullString
	err := row.Scan(&acc.ID, &acc.KeyID, &acc.PublicKeyJWK, &contacts, &acc.Status, &acc.UserID, &eabKid, &subID, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to scan account row: %w", err)
	}
	acc.Contact = []string(contacts)
	acc.EABKeyID = eabKid.String
	acc.SubscriptionID = subID.String
	return &acc, nil
}

const accountColumns = `id, key_id, public_key_jwk, contact, status, user_id, eab_kid, subscription_id, created_at, last_modified_at`

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func getAccountByKeyID(ctx context.Context, q Querier, keyID string) (*model.Account, error) {
	return scanAccount(q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE key_id = $1`, keyID))
}

func getAccountsByUserID(ctx context.Context, q Querier, userID string) ([]*model.Account, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query accounts for user '%s': %w", userID, err)
	}
	defer rows.Close()
	accounts := make([]*model.Account, 0)
	for rows.Next() {
		var acc model.Account
		var contacts pq.StringArray
		var eabKid, subID sql.NullString
		if err := rows.Scan(&acc.ID, &acc.KeyID, &acc.PublicKeyJWK, &contacts, &acc.Status, &acc.UserID, &eabKid, &subID, &acc.CreatedAt, &acc.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan account row: %w", err)
		}
		acc.Contact = []string(contacts)
		acc.EABKeyID = eabKid.String
		acc.SubscriptionID = subID.String
		accounts = append(accounts, &acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating account rows: %w", err)
	}
	return accounts, nil
}

// --- User / EAB Helpers ---
func saveUser(ctx context.Context, q Querier, user *model.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO users (id, email, level, balance, created_at) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, level = EXCLUDED.level, balance = EXCLUDED.balance`
	_, err := q.ExecContext(ctx, query, user.ID, user.Email, user.Level, user.Balance, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save user '%s': %w", user.ID, err)
	}
	return nil
}

func getUser(ctx context.Context, q Querier, id string) (*model.User, error) {
	query := `SELECT id, email, level, balance, created_at FROM users WHERE id = $1`
	var user model.User
	err := q.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Email, &user.Level, &user.Balance, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get user '%s': %w", id, err)
	}
	return &user, nil
}

// adjustUserBalance applies a balance delta; the guard clause rejects debits
// that would push the balance negative so the surrounding transaction aborts.
func adjustUserBalance(ctx context.Context, q Querier, userID string, delta decimal.Decimal) error {
	query := `UPDATE users SET balance = balance + $2 WHERE id = $1 AND balance + $2 >= 0`
	result, err := q.ExecContext(ctx, query, userID, delta)
	if err != nil {
		return fmt.Errorf("storage: failed to adjust balance for user '%s': %w", userID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

func saveEABCredential(ctx context.Context, q Querier, cred *model.EABCredential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO eab_credentials (kid, hmac_key, user_id, created_at) VALUES ($1, $2, $3, $4)
        ON CONFLICT (kid) DO UPDATE SET hmac_key = EXCLUDED.hmac_key, user_id = EXCLUDED.user_id`
	_, err := q.ExecContext(ctx, query, cred.KeyID, cred.HMACKey, cred.UserID, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save EAB credential '%s': %w", cred.KeyID, err)
	}
	return nil
}

func getEABCredential(ctx context.Context, q Querier, kid string) (*model.EABCredential, error) {
	query := `SELECT kid, hmac_key, user_id, created_at FROM eab_credentials WHERE kid = $1`
	var cred model.EABCredential
	err := q.QueryRowContext(ctx, query, kid).Scan(&cred.KeyID, &cred.HMACKey, &cred.UserID, &cred.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get EAB credential '%s': %w", kid, err)
	}
	return &cred, nil
}

// --- Product / Price Helpers ---
func saveProduct(ctx context.Context, q Querier, p *model.Product) error {
	query := `
        INSERT INTO products (id, name, category, max_standard, max_wildcard, included_standard, included_wildcard, gift_root_domain, reissue_supported, validity_max_months)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name, category = EXCLUDED.category, max_standard = EXCLUDED.max_standard, max_wildcard = EXCLUDED.max_wildcard,
            included_standard = EXCLUDED.included_standard, included_wildcard = EXCLUDED.included_wildcard,
            gift_root_domain = EXCLUDED.gift_root_domain, reissue_supported = EXCLUDED.reissue_supported, validity_max_months = EXCLUDED.validity_max_months`
	_, err := q.ExecContext(ctx, query, p.ID, p.Name, p.Category, p.MaxStandard, p.MaxWildcard,
		p.IncludedStandard, p.IncludedWildcard, p.GiftRootDomain, p.ReissueSupported, p.ValidityMaxMonths)
	if err != nil {
		return fmt.Errorf("storage: failed to save product '%s': %w", p.ID, err)
	}
	return nil
}

func getProduct(ctx context.Context, q Querier, id string) (*model.Product, error) {
	query := `SELECT id, name, category, max_standard, max_wildcard, included_standard, included_wildcard, gift_root_domain, reissue_supported, validity_max_months FROM products WHERE id = $1`
	var p model.Product
	err := q.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Category, &p.MaxStandard, &p.MaxWildcard,
		&p.IncludedStandard, &p.IncludedWildcard, &p.GiftRootDomain, &p.ReissueSupported, &p.ValidityMaxMonths)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get product '%s': %w", id, err)
	}
	return &p, nil
}

func savePriceLevel(ctx context.Context, q Querier, pl *model.PriceLevel) error {
	query := `
        INSERT INTO price_levels (product_id, period_months, level, user_id, base_price, per_standard, per_wildcard)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (product_id, period_months, level, user_id) DO UPDATE SET
            base_price = EXCLUDED.base_price, per_standard = EXCLUDED.per_standard, per_wildcard = EXCLUDED.per_wildcard`
	_, err := q.ExecContext(ctx, query, pl.ProductID, pl.PeriodMonths, pl.Level, pl.UserID, pl.Base, pl.PerStandard, pl.PerWildcard)
	if err != nil {
		return fmt.Errorf("storage: failed to save price level for product '%s': %w", pl.ProductID, err)
	}
	return nil
}

func getPrice(ctx context.Context, q Querier, productID string, periodMonths int, level, userID string) (*model.Price, error) {
	query := `SELECT base_price, per_standard, per_wildcard FROM price_levels WHERE product_id = $1 AND period_months = $2 AND level = $3 AND user_id = $4`
	var price model.Price
	err := q.QueryRowContext(ctx, query, productID, periodMonths, level, userID).Scan(&price.Base, &price.PerStandard, &price.PerWildcard)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get price for product '%s': %w", productID, err)
	}
	return &price, nil
}

// --- Subscription Helpers ---
func saveSubscription(ctx context.Context, q Querier, sub *model.Subscription) error {
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.LastModifiedAt = now
	query := `
        INSERT INTO subscriptions (id, user_id, product_id, period_months, starts_at, ends_at, purchased_standard, purchased_wildcard, auto_renew, current_cert_request_id, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            starts_at = EXCLUDED.starts_at, ends_at = EXCLUDED.ends_at,
            purchased_standard = GREATEST(subscriptions.purchased_standard, EXCLUDED.purchased_standard),
            purchased_wildcard = GREATEST(subscriptions.purchased_wildcard, EXCLUDED.purchased_wildcard),
            auto_renew = EXCLUDED.auto_renew, current_cert_request_id = EXCLUDED.current_cert_request_id,
            last_modified_at = EXCLUDED.last_modified_at`
	var currentCR sql.NullString
	if sub.CurrentCertRequestID != "" {
		currentCR = sql.NullString{String: sub.CurrentCertRequestID, Valid: true}
	}
	_, err := q.ExecContext(ctx, query, sub.ID, sub.UserID, sub.ProductID, sub.PeriodMonths, sub.StartsAt, sub.EndsAt,
		sub.PurchasedStandard, sub.PurchasedWildcard, sub.AutoRenew, currentCR, sub.CreatedAt, sub.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save subscription '%s': %w", sub.ID, err)
	}
	logger.Debug("Subscription saved", zap.String("subscriptionID", sub.ID))
	return nil
}

const subscriptionColumns = `id, user_id, product_id, period_months, starts_at, ends_at, purchased_standard, purchased_wildcard, auto_renew, current_cert_request_id, created_at, last_modified_at`

func getSubscription(ctx context.Context, q Querier, id string) (*model.Subscription, error) {
	var sub model.Subscription
	var currentCR sql.NullString
	err := q.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id).Scan(
		&sub.ID, &sub.UserID, &sub.ProductID, &sub.PeriodMonths, &sub.StartsAt, &sub.EndsAt,
		&sub.PurchasedStandard, &sub.PurchasedWildcard, &sub.AutoRenew, &currentCR, &sub.CreatedAt, &sub.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get subscription '%s': %w", id, err)
	}
	sub.CurrentCertRequestID = currentCR.String
	return &sub, nil
}

func getActiveSubscriptionsByUserID(ctx context.Context, q Querier, userID string, at time.Time) ([]*model.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 AND starts_at <= $2 AND ends_at > $2 ORDER BY created_at DESC`
	rows, err := q.QueryContext(ctx, query, userID, at)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query subscriptions for user '%s': %w", userID, err)
	}
	defer rows.Close()
	subs := make([]*model.Subscription, 0)
	for rows.Next() {
		var sub model.Subscription
		var currentCR sql.NullString
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.ProductID, &sub.PeriodMonths, &sub.StartsAt, &sub.EndsAt,
			&sub.PurchasedStandard, &sub.PurchasedWildcard, &sub.AutoRenew, &currentCR, &sub.CreatedAt, &sub.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan subscription row: %w", err)
		}
		sub.CurrentCertRequestID = currentCR.String
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating subscription rows: %w", err)
	}
	return subs, nil
}

// advancePurchasedCounters raises counters monotonically via GREATEST so a
// replayed advance can never lower them.
func advancePurchasedCounters(ctx context.Context, q Querier, subscriptionID string, standard, wildcard int) error {
	query := `UPDATE subscriptions SET
            purchased_standard = GREATEST(purchased_standard, $2),
            purchased_wildcard = GREATEST(purchased_wildcard, $3),
            last_modified_at = NOW()
        WHERE id = $1`
	result, err := q.ExecContext(ctx, query, subscriptionID, standard, wildcard)
	if err != nil {
		return fmt.Errorf("storage: failed to advance purchased counters for subscription '%s': %w", subscriptionID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("storage: subscription '%s' not found for counter advance", subscriptionID)
	}
	return nil
}

// --- CertificateRequest Helpers ---
func saveCertificateRequest(ctx context.Context, q Querier, cr *model.CertificateRequest) error {
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

	query := `
        INSERT INTO cert_requests
            (id, subscription_id, user_id, account_id, identifiers_json, standard_count, wildcard_count, status, csr, upstream_id, predecessor_id,
             certificate_pem, chain_pem, serial_number, fingerprint, issuer_cn, key_bits, signature_alg, digest, not_before, not_after, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
        ON CONFLICT (id) DO UPDATE SET
            identifiers_json = EXCLUDED.identifiers_json, standard_count = EXCLUDED.standard_count, wildcard_count = EXCLUDED.wildcard_count,
            status = EXCLUDED.status, csr = EXCLUDED.csr, upstream_id = EXCLUDED.upstream_id,
            certificate_pem = EXCLUDED.certificate_pem, chain_pem = EXCLUDED.chain_pem, serial_number = EXCLUDED.serial_number,
            fingerprint = EXCLUDED.fingerprint, issuer_cn = EXCLUDED.issuer_cn, key_bits = EXCLUDED.key_bits,
            signature_alg = EXCLUDED.signature_alg, digest = EXCLUDED.digest, not_before = EXCLUDED.not_before, not_after = EXCLUDED.not_after,
            last_modified_at = EXCLUDED.last_modified_at`
	_, err = q.ExecContext(ctx, query,
		cr.ID, cr.SubscriptionID, cr.UserID, nullString(cr.AccountID), cr.IdentifiersJSON, cr.StandardCount, cr.WildcardCount,
		cr.Status, nullString(cr.CSR), nullString(cr.UpstreamID), nullString(cr.PredecessorID),
		nullString(cr.CertificatePEM), nullString(cr.ChainPEM), nullString(cr.SerialNumber), nullString(cr.Fingerprint),
		nullString(cr.IssuerCN), cr.KeyBits, nullString(cr.SignatureAlg), nullString(cr.Digest),
		nullTime(cr.NotBefore), nullTime(cr.NotAfter), cr.CreatedAt, cr.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate request '%s': %w", cr.ID, err)
	}
	logger.Debug("Certificate request saved", zap.String("certRequestID", cr.ID), zap.String("status", cr.Status))
	return nil
}

const certRequestColumns = `id, subscription_id, user_id, account_id, identifiers_json, standard_count, wildcard_count, status, csr, upstream_id, predecessor_id, certificate_pem, chain_pem, serial_number, fingerprint, issuer_cn, key_bits, signature_alg, digest, not_before, not_after, created_at, last_modified_at`

func scanCertRequest(scan func(dest ...interface{}) error) (*model.CertificateRequest, error) {
	var cr model.CertificateRequest
	var accountID, csr, upstreamID, predecessorID, certPEM, chainPEM, serial, fingerprint, issuerCN, sigAlg, digest sql.NullString
	var keyBits sql.NullInt32
	var notBefore, notAfter sql.NullTime
	err := scan(&cr.ID, &cr.SubscriptionID, &cr.UserID, &accountID, &cr.IdentifiersJSON, &cr.StandardCount, &cr.WildcardCount,
		&cr.Status, &csr, &upstreamID, &predecessorID, &certPEM, &chainPEM, &serial, &fingerprint, &issuerCN, &keyBits,
		&sigAlg, &digest, &notBefore, &notAfter, &cr.CreatedAt, &cr.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	cr.AccountID = accountID.String
	cr.CSR = csr.String
	cr.UpstreamID = upstreamID.String
	cr.PredecessorID = predecessorID.String
	cr.CertificatePEM = certPEM.String
	cr.ChainPEM = chainPEM.String
	cr.SerialNumber = serial.String
	cr.Fingerprint = fingerprint.String
	cr.IssuerCN = issuerCN.String
	cr.KeyBits = int(keyBits.Int32)
	cr.SignatureAlg = sigAlg.String
	cr.Digest = digest.String
	if notBefore.Valid {
		t := notBefore.Time
		cr.NotBefore = &t
	}
	if notAfter.Valid {
		t := notAfter.Time
		cr.NotAfter = &t
	}
	if cr.IdentifiersJSON != "" {
		if err := json.Unmarshal([]byte(cr.IdentifiersJSON), &cr.Identifiers); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal identifiers for request '%s': %w", cr.ID, err)
		}
	}
	return &cr, nil
}

func getCertificateRequest(ctx context.Context, q Querier, id string) (*model.CertificateRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certRequestColumns+` FROM cert_requests WHERE id = $1`, id)
	cr, err := scanCertRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate request '%s': %w", id, err)
	}
	return cr, nil
}

func getCertificateRequestByFingerprint(ctx context.Context, q Querier, fingerprint string) (*model.CertificateRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+certRequestColumns+` FROM cert_requests WHERE fingerprint = $1`, fingerprint)
	cr, err := scanCertRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate request by fingerprint: %w", err)
	}
	return cr, nil
}

func getCertificateRequestsBySubscriptionID(ctx context.Context, q Querier, subscriptionID string) ([]*model.CertificateRequest, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+certRequestColumns+` FROM cert_requests WHERE subscription_id = $1 ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query certificate requests for subscription '%s': %w", subscriptionID, err)
	}
	defer rows.Close()
	crs := make([]*model.CertificateRequest, 0)
	for rows.Next() {
		cr, err := scanCertRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan certificate request row: %w", err)
		}
		crs = append(crs, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating certificate request rows: %w", err)
	}
	return crs, nil
}

// --- Authorization Helpers ---
func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO authorizations (id, cert_request_id, identifier, wildcard, status, challenge_type, token, key_authorization, challenge_status, expires_at, validated_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, challenge_status = EXCLUDED.challenge_status, validated_at = EXCLUDED.validated_at`
	_, err := q.ExecContext(ctx, query, authz.ID, authz.CertRequestID, authz.Identifier, authz.Wildcard, authz.Status,
		authz.ChallengeType, authz.Token, authz.KeyAuthorization, authz.ChallengeStatus, authz.ExpiresAt, nullTime(authz.ValidatedAt), authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	return nil
}

const authzColumns = `id, cert_request_id, identifier, wildcard, status, challenge_type, token, key_authorization, challenge_status, expires_at, validated_at, created_at`

func scanAuthorization(scan func(dest ...interface{}) error) (*model.Authorization, error) {
	var authz model.Authorization
	var validatedAt sql.NullTime
	err := scan(&authz.ID, &authz.CertRequestID, &authz.Identifier, &authz.Wildcard, &authz.Status,
		&authz.ChallengeType, &authz.Token, &authz.KeyAuthorization, &authz.ChallengeStatus, &authz.ExpiresAt, &validatedAt, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if validatedAt.Valid {
		t := validatedAt.Time
		authz.ValidatedAt = &t
	}
	return &authz, nil
}

func getAuthorization(ctx context.Context, q Querier, id string) (*model.Authorization, error) {
	row := q.QueryRowContext(ctx, `SELECT `+authzColumns+` FROM authorizations WHERE id = $1`, id)
	authz, err := scanAuthorization(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return authz, nil
}

func getAuthorizationsByCertRequestID(ctx context.Context, q Querier, certRequestID string) ([]*model.Authorization, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+authzColumns+` FROM authorizations WHERE cert_request_id = $1 ORDER BY created_at`, certRequestID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for request '%s': %w", certRequestID, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthorization(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, authz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

// --- CnameDelegation Helpers ---
func saveDelegation(ctx context.Context, q Querier, d *model.CnameDelegation) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO cname_delegations (id, user_id, zone, prefix, label, target, valid, failure_count, last_checked_at, last_error, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (user_id, zone, prefix) DO UPDATE SET
            valid = EXCLUDED.valid, failure_count = EXCLUDED.failure_count,
            last_checked_at = EXCLUDED.last_checked_at, last_error = EXCLUDED.last_error`
	_, err := q.ExecContext(ctx, query, d.ID, d.UserID, d.Zone, d.Prefix, d.Label, d.Target, d.Valid,
		d.FailureCount, nullTime(d.LastCheckedAt), nullString(d.LastError), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save delegation for zone '%s': %w", d.Zone, err)
	}
	logger.Debug("Delegation saved", zap.String("zone", d.Zone), zap.String("prefix", d.Prefix), zap.Bool("valid", d.Valid))
	return nil
}

const delegationColumns = `id, user_id, zone, prefix, label, target, valid, failure_count, last_checked_at, last_error, created_at`

func scanDelegation(row *sql.Row) (*model.CnameDelegation, error) {
	var d model.CnameDelegation
	var lastCheckedAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&d.ID, &d.UserID, &d.Zone, &d.Prefix, &d.Label, &d.Target, &d.Valid, &d.FailureCount, &lastCheckedAt, &lastError, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to scan delegation row: %w", err)
	}
	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		d.LastCheckedAt = &t
	}
	d.LastError = lastError.String
	return &d, nil
}

func getDelegation(ctx context.Context, q Querier, userID, zone, prefix string) (*model.CnameDelegation, error) {
	return scanDelegation(q.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM cname_delegations WHERE user_id = $1 AND zone = $2 AND prefix = $3`, userID, zone, prefix))
}

func getDelegationByID(ctx context.Context, q Querier, id string) (*model.CnameDelegation, error) {
	return scanDelegation(q.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM cname_delegations WHERE id = $1`, id))
}

// --- Transaction Helpers ---
func saveTransaction(ctx context.Context, q Querier, txn *model.Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	query := `INSERT INTO transactions (id, user_id, subscription_id, cert_request_id, amount, kind, note, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := q.ExecContext(ctx, query, txn.ID, txn.UserID, nullString(txn.SubscriptionID), nullString(txn.CertRequestID),
		txn.Amount, txn.Kind, nullString(txn.Note), txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save transaction '%s': %w", txn.ID, err)
	}
	logger.Debug("Transaction saved", zap.String("transactionID", txn.ID), zap.String("kind", txn.Kind))
	return nil
}

// --- small scan helpers ---

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
