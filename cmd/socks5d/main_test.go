package main

import (
	"testing"

	"github.com/evasilence/socks5d/internal/config"
)

func TestApplyFlagOverrides_UsernameWithoutPassword(t *testing.T) {
	cfg := config.Default()
	if err := applyFlagOverrides(cfg, "", "alice", "", "", "", "", false, "", ""); err == nil {
		t.Error("expected an error when --username is set without --password")
	}
}

func TestApplyFlagOverrides_PasswordWithoutUsername(t *testing.T) {
	cfg := config.Default()
	if err := applyFlagOverrides(cfg, "", "", "hunter2", "", "", "", false, "", ""); err == nil {
		t.Error("expected an error when --password is set without --username")
	}
}

func TestApplyFlagOverrides_UsernameAndPassword(t *testing.T) {
	cfg := config.Default()
	if err := applyFlagOverrides(cfg, "", "alice", "hunter2", "", "", "", false, "", ""); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Username != "alice" {
		t.Fatalf("Auth.Users = %+v, want one user named alice", cfg.Auth.Users)
	}
	if cfg.Auth.Users[0].PasswordHash == "" {
		t.Error("expected a non-empty bcrypt hash")
	}
}

func TestApplyFlagOverrides_NoAuthFlagsIsFine(t *testing.T) {
	cfg := config.Default()
	if err := applyFlagOverrides(cfg, "", "", "", "", "", "", false, "", ""); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if len(cfg.Auth.Users) != 0 {
		t.Errorf("Auth.Users = %+v, want none", cfg.Auth.Users)
	}
}

func TestApplyFlagOverrides_AddressOverride(t *testing.T) {
	cfg := config.Default()
	if err := applyFlagOverrides(cfg, "0.0.0.0:9999", "", "", "", "", "", false, "", ""); err != nil {
		t.Fatalf("applyFlagOverrides() error = %v", err)
	}
	if cfg.Listen.Address != "0.0.0.0:9999" {
		t.Errorf("Listen.Address = %q, want 0.0.0.0:9999", cfg.Listen.Address)
	}
}
