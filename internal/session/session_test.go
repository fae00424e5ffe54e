package session

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, _, err := s.Tokens(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("empty store must report ErrNoSession, got %v", err)
	}

	if err := s.SetTokens(ctx, "a1", "r1"); err != nil {
		t.Fatal(err)
	}
	access, refresh, err := s.Tokens(ctx)
	if err != nil || access != "a1" || refresh != "r1" {
		t.Fatalf("got %q/%q, %v", access, refresh, err)
	}

	// A refresh overwrites both halves of the pair.
	if err := s.SetTokens(ctx, "a2", "r2"); err != nil {
		t.Fatal(err)
	}
	access, refresh, _ = s.Tokens(ctx)
	if access != "a2" || refresh != "r2" {
		t.Fatalf("tokens not overwritten: %q/%q", access, refresh)
	}
}

func TestMemoryStoreIdentity(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, _, err := s.Identity(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := s.SetIdentity(ctx, "u1", "driver"); err != nil {
		t.Fatal(err)
	}
	userID, role, err := s.Identity(ctx)
	if err != nil || userID != "u1" || role != "driver" {
		t.Fatalf("got %q/%q, %v", userID, role, err)
	}
}

func TestMemoryStoreOTPFlags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if ok, _ := s.OTPVerified(ctx, "r1"); ok {
		t.Fatal("flag must default to unset")
	}
	if err := s.SetOTPVerified(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.OTPVerified(ctx, "r1"); !ok {
		t.Fatal("flag not set")
	}
	if ok, _ := s.OTPVerified(ctx, "r2"); ok {
		t.Fatal("flags must be keyed per ride")
	}
	if err := s.ClearOTP(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.OTPVerified(ctx, "r1"); ok {
		t.Fatal("flag not cleared")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.SetTokens(ctx, "a", "r")
	_ = s.SetIdentity(ctx, "u1", "driver")
	_ = s.SetOTPVerified(ctx, "r1")

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Tokens(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatal("tokens must be gone after clear")
	}
	if _, _, err := s.Identity(ctx); !errors.Is(err, ErrNoSession) {
		t.Fatal("identity must be gone after clear")
	}
	if ok, _ := s.OTPVerified(ctx, "r1"); ok {
		t.Fatal("otp flags must be gone after clear")
	}
}
