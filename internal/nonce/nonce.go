// Package nonce issues and consumes single-use anti-replay tokens.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

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
	logger = l.With(zap.String("package", "nonce"))
}

// Service issues fresh nonces and verifies-and-invalidates presented ones.
type Service struct {
	store storage.Storage
	ttl   time.Duration
}

// NewService creates a nonce service. ttl bounds how long an issued nonce
// stays acceptable.
func NewService(store storage.Storage, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{store: store, ttl: ttl}
}

// Generate creates, persists and returns a fresh nonce value.
func (s *Service) Generate(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: failed to read random bytes: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(buf)
	now := time.Now()
	n := &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.SaveNonce(ctx, n); err != nil {
		return "", fmt.Errorf("nonce: failed to persist nonce: %w", err)
	}
	return value, nil
}

// Verify consumes the nonce atomically. It returns true exactly once per
// issued, unexpired value; replays, unknown values and expired values return
// false.
func (s *Service) Verify(ctx context.Context, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	n, err := s.store.ConsumeNonce(ctx, value)
	if err != nil {
		return false, fmt.Errorf("nonce: failed to consume nonce: %w", err)
	}
	return n != nil, nil
}

// Cleanup removes expired nonces. Intended to run periodically.
func (s *Service) Cleanup(ctx context.Context) error {
	count, err := s.store.DeleteExpiredNonces(ctx)
	if err != nil {
		return fmt.Errorf("nonce: cleanup failed: %w", err)
	}
	if count > 0 {
		logger.Debug("Nonce cleanup removed expired entries", zap.Int64("count", count))
	}
	return nil
}

// StartCleanupLoop runs Cleanup on the given interval until ctx is canceled.
func (s *Service) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					logger.Warn("Periodic nonce cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}
