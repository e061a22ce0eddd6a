package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ExternalURL      string        // Public base URL used in resource links and JWS url checks
	HTTPAddress      string        // The address to listen on
	StorageType      string        // Storage type: "postgres" or "memory"
	DBHost           string        // PostgreSQL host
	DBUser           string        // PostgreSQL user
	DBPassword       string        // PostgreSQL password
	DBName           string        // PostgreSQL database name
	DBPort           int           // PostgreSQL port
	DBSSLMode        string        // PostgreSQL SSL mode
	DBCert           string        // PostgreSQL client certificate file
	DBKey            string        // PostgreSQL client private key file
	DBRootCert       string        // PostgreSQL root CA certificate file
	NonceTTL         time.Duration // Lifetime of issued anti-replay nonces
	GatewayURL       string        // Upstream CA gateway base URL
	GatewayToken     string        // Upstream CA gateway API token
	GatewayTimeout   time.Duration // Per-call timeout for upstream requests
	DNSResolver      string        // Resolver address (host:port) for delegation health checks
	DNSTimeout       time.Duration // Timeout for a single DNS query
	DelegationZone   string        // Base zone that hosts per-user delegation targets
	DelegationSalt   string        // Mixed into derived delegation labels; not secret
	PSLRefreshURL    string        // Public suffix list URL, empty disables refresh
	PSLRefreshTTL    time.Duration // Refresh interval for the public suffix list
	AuthzValidity    time.Duration // Lifetime of created authorizations
	ChallengeType    string        // Challenge type materialized per identifier
}

const (
	defaultExternalURL    = "https://localhost:8443"
	defaultHTTPAddress    = ":8443"
	defaultStorageType    = "postgres"
	defaultDBHost         = "localhost"
	defaultDBUser         = "certfront"
	defaultDBPassword     = "password"
	defaultDBName         = "certfront"
	defaultDBPort         = 5432
	defaultDBSSLMode      = "disable"
	defaultNonceTTL       = time.Hour
	defaultGatewayTimeout = 15 * time.Second
	defaultDNSResolver    = "8.8.8.8:53"
	defaultDNSTimeout     = 5 * time.Second
	defaultDelegationZone = "auth.certfront.net"
	defaultPSLRefreshURL  = "https://publicsuffix.org/list/public_suffix_list.dat"
	defaultPSLRefreshTTL  = 24 * time.Hour
	defaultAuthzValidity  = 7 * 24 * time.Hour
	defaultChallengeType  = "dns-01"
)

// LoadConfig loads the configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ExternalURL:    getEnv("CERTFRONT_EXTERNAL_URL", defaultExternalURL),
		HTTPAddress:    getEnv("CERTFRONT_HTTP_ADDRESS", defaultHTTPAddress),
		StorageType:    getEnv("CERTFRONT_STORAGE_TYPE", defaultStorageType),
		DBHost:         getEnv("CERTFRONT_DB_HOST", defaultDBHost),
		DBUser:         getEnv("CERTFRONT_DB_USER", defaultDBUser),
		DBPassword:     getEnv("CERTFRONT_DB_PASSWORD", defaultDBPassword),
		DBName:         getEnv("CERTFRONT_DB_NAME", defaultDBName),
		DBPort:         getEnvAsInt("CERTFRONT_DB_PORT", defaultDBPort),
		DBSSLMode:      getEnv("CERTFRONT_DB_SSLMODE", defaultDBSSLMode),
		DBCert:         getEnv("CERTFRONT_DB_CERT", ""),
		DBKey:          getEnv("CERTFRONT_DB_KEY", ""),
		DBRootCert:     getEnv("CERTFRONT_DB_ROOTCERT", ""),
		NonceTTL:       getEnvAsDuration("CERTFRONT_NONCE_TTL", defaultNonceTTL),
		GatewayURL:     getEnv("CERTFRONT_GATEWAY_URL", ""),
		GatewayToken:   getEnv("CERTFRONT_GATEWAY_TOKEN", ""),
		GatewayTimeout: getEnvAsDuration("CERTFRONT_GATEWAY_TIMEOUT", defaultGatewayTimeout),
		DNSResolver:    getEnv("CERTFRONT_DNS_RESOLVER", defaultDNSResolver),
		DNSTimeout:     getEnvAsDuration("CERTFRONT_DNS_TIMEOUT", defaultDNSTimeout),
		DelegationZone: getEnv("CERTFRONT_DELEGATION_ZONE", defaultDelegationZone),
		DelegationSalt: getEnv("CERTFRONT_DELEGATION_SALT", "certfront"),
		PSLRefreshURL:  getEnv("CERTFRONT_PSL_URL", defaultPSLRefreshURL),
		PSLRefreshTTL:  getEnvAsDuration("CERTFRONT_PSL_TTL", defaultPSLRefreshTTL),
		AuthzValidity:  getEnvAsDuration("CERTFRONT_AUTHZ_VALIDITY", defaultAuthzValidity),
		ChallengeType:  getEnv("CERTFRONT_CHALLENGE_TYPE", defaultChallengeType),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
