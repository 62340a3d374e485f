package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestRevokeAndCheckAccessToken(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("fresh token must not be revoked")
	}

	if err := store.RevokeAccessToken(ctx, "jti-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}

	revoked, err = store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected jti-1 to be revoked")
	}

	record, err := store.LookupRevocation(ctx, "jti-1")
	if err != nil {
		t.Fatalf("LookupRevocation failed: %v", err)
	}
	if record.UserID != "usr_1" {
		t.Errorf("expected usr_1, got %s", record.UserID)
	}

	other, err := store.IsAccessTokenRevoked(ctx, "jti-2")
	if err != nil || other {
		t.Fatalf("revocation leaked to another token: revoked=%v err=%v", other, err)
	}
}

func TestRevocationExpiresWithToken(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.RevokeAccessToken(ctx, "jti-short", "usr_1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-short")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Error("expected revocation entry to expire with the token")
	}
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.RevokeAccessToken(ctx, "jti-old", "usr_1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}
	if s.Exists("revoked:jti-old") {
		t.Error("expired token should not create an entry")
	}
}
