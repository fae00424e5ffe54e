package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists the session in Redis, hashed under one key per agent
// so a restart (or a fleet supervisor) can resume an authenticated session.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and namespaces all state under the given
// agent id.
func NewRedisStore(addr, password, agentID string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, key: "ambu:session:" + agentID}
}

func (r *RedisStore) Tokens(ctx context.Context) (string, string, error) {
	vals, err := r.client.HMGet(ctx, r.key, "access_token", "refresh_token").Result()
	if err != nil {
		return "", "", fmt.Errorf("session redis read: %w", err)
	}
	access, _ := vals[0].(string)
	refresh, _ := vals[1].(string)
	if access == "" {
		return "", "", ErrNoSession
	}
	return access, refresh, nil
}

func (r *RedisStore) SetTokens(ctx context.Context, access, refresh string) error {
	err := r.client.HSet(ctx, r.key, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
	}).Err()
	if err != nil {
		return fmt.Errorf("session redis write: %w", err)
	}
	return nil
}

func (r *RedisStore) Identity(ctx context.Context) (string, string, error) {
	vals, err := r.client.HMGet(ctx, r.key, "user_id", "role").Result()
	if err != nil {
		return "", "", fmt.Errorf("session redis read: %w", err)
	}
	userID, _ := vals[0].(string)
	role, _ := vals[1].(string)
	if userID == "" {
		return "", "", ErrNoSession
	}
	return userID, role, nil
}

func (r *RedisStore) SetIdentity(ctx context.Context, userID, role string) error {
	err := r.client.HSet(ctx, r.key, map[string]interface{}{
		"user_id": userID,
		"role":    role,
	}).Err()
	if err != nil {
		return fmt.Errorf("session redis write: %w", err)
	}
	return nil
}

func (r *RedisStore) SetOTPVerified(ctx context.Context, rideID string) error {
	return r.client.HSet(ctx, r.key, otpField(rideID), "true").Err()
}

func (r *RedisStore) OTPVerified(ctx context.Context, rideID string) (bool, error) {
	v, err := r.client.HGet(ctx, r.key, otpField(rideID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session redis read: %w", err)
	}
	return v == "true", nil
}

func (r *RedisStore) ClearOTP(ctx context.Context, rideID string) error {
	return r.client.HDel(ctx, r.key, otpField(rideID)).Err()
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }

func otpField(rideID string) string { return "otp_verified_" + rideID }
