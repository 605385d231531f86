package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	defaultChallengeTTL = 5 * time.Minute
	defaultMaxAttempts  = 5
)

// CodeSender delivers one-time codes out of band.
type CodeSender interface {
	SendMFACode(ctx context.Context, msg MFACode) error
}

// ChallengeStore keeps hashed one-time codes in Redis.
type ChallengeStore struct {
	client      *redis.Client
	ttl         time.Duration
	maxAttempts int64
}

// NewChallengeStore constructs the store. Non-positive ttl selects five minutes.
func NewChallengeStore(client *redis.Client, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &ChallengeStore{client: client, ttl: ttl, maxAttempts: defaultMaxAttempts}
}

// TTL is how long a code stays valid.
func (c *ChallengeStore) TTL() time.Duration {
	return c.ttl
}

// Issue generates a six digit code for the user, replacing any outstanding one.
func (c *ChallengeStore) Issue(ctx context.Context, userID int64) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("auth: generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash code: %w", err)
	}
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.codeKey(userID), hash, c.ttl)
	pipe.Del(ctx, c.attemptsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("auth: store challenge: %w", err)
	}
	return code, nil
}

// Verify consumes the outstanding code. Too many wrong attempts burn the challenge.
func (c *ChallengeStore) Verify(ctx context.Context, userID int64, code string) error {
	hash, err := c.client.Get(ctx, c.codeKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("auth: no outstanding challenge: %w", shared.ErrInvalidCredentials)
		}
		return fmt.Errorf("auth: load challenge: %w", err)
	}
	attempts, err := c.client.Incr(ctx, c.attemptsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("auth: count attempt: %w", err)
	}
	if attempts == 1 {
		c.client.Expire(ctx, c.attemptsKey(userID), c.ttl)
	}
	if attempts > c.maxAttempts {
		c.client.Del(ctx, c.codeKey(userID), c.attemptsKey(userID))
		return fmt.Errorf("auth: challenge locked: %w", shared.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(code)); err != nil {
		return fmt.Errorf("auth: wrong code: %w", shared.ErrInvalidCredentials)
	}
	c.client.Del(ctx, c.codeKey(userID), c.attemptsKey(userID))
	return nil
}

func (c *ChallengeStore) codeKey(userID int64) string {
	return "mfa:challenge:" + strconv.FormatInt(userID, 10)
}

func (c *ChallengeStore) attemptsKey(userID int64) string {
	return "mfa:attempts:" + strconv.FormatInt(userID, 10)
}
