package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/store"
)

type fakeMinter struct {
	mints int
	fail  error
	ttl   time.Duration
}

func (f *fakeMinter) MintInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	if f.fail != nil {
		return "", time.Time{}, f.fail
	}
	f.mints++
	ttl := f.ttl
	if ttl == 0 {
		ttl = time.Hour
	}
	return "ghs_fake", time.Now().Add(ttl), nil
}

func testRegistry(t *testing.T, minter TokenMinter) (*Registry, *store.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(st, minter), st
}

func TestCredentialForMintsAndCaches(t *testing.T) {
	minter := &fakeMinter{}
	reg, _ := testRegistry(t, minter)
	ctx := context.Background()

	inst := &models.Installation{ID: 11, UserID: "u1", RepoOwner: "u1", RepoName: "art"}
	if err := reg.Bind(ctx, inst); err != nil {
		t.Fatalf("bind: %v", err)
	}

	cred, err := reg.CredentialFor(ctx, 11)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	if cred.Token != "ghs_fake" || cred.RepoOwner != "u1" || cred.RepoName != "art" {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	if cred.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", cred.Epoch)
	}

	if _, err := reg.CredentialFor(ctx, 11); err != nil {
		t.Fatalf("second credential: %v", err)
	}
	if minter.mints != 1 {
		t.Fatalf("expected cached token to be reused, minted %d times", minter.mints)
	}
}

func TestCredentialForRefreshesNearExpiry(t *testing.T) {
	minter := &fakeMinter{ttl: time.Minute} // inside the expiry skew
	reg, _ := testRegistry(t, minter)
	ctx := context.Background()

	if err := reg.Bind(ctx, &models.Installation{ID: 12, UserID: "u", RepoOwner: "u", RepoName: "r"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := reg.CredentialFor(ctx, 12); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := reg.CredentialFor(ctx, 12); err != nil {
		t.Fatalf("second: %v", err)
	}
	if minter.mints != 2 {
		t.Fatalf("token near expiry should re-mint, minted %d times", minter.mints)
	}
}

func TestCredentialForUnknownInstallation(t *testing.T) {
	reg, _ := testRegistry(t, &fakeMinter{})
	_, err := reg.CredentialFor(context.Background(), 404)
	if !errors.Is(err, ErrBindingNotFound) {
		t.Fatalf("expected ErrBindingNotFound, got %v", err)
	}
}

func TestCredentialForFlaggedInstallation(t *testing.T) {
	reg, _ := testRegistry(t, &fakeMinter{})
	ctx := context.Background()

	if err := reg.Bind(ctx, &models.Installation{ID: 13, UserID: "u", RepoOwner: "u", RepoName: "r"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := reg.Flag(ctx, 13, "repository deleted"); err != nil {
		t.Fatalf("flag: %v", err)
	}
	_, err := reg.CredentialFor(ctx, 13)
	if !errors.Is(err, ErrBindingFlagged) {
		t.Fatalf("expected ErrBindingFlagged, got %v", err)
	}
}

func TestCredentialForMintFailure(t *testing.T) {
	reg, _ := testRegistry(t, &fakeMinter{fail: errors.New("401 bad credentials")})
	ctx := context.Background()

	if err := reg.Bind(ctx, &models.Installation{ID: 14, UserID: "u", RepoOwner: "u", RepoName: "r"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	_, err := reg.CredentialFor(ctx, 14)
	if !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
}

func TestRevokeRemovesBinding(t *testing.T) {
	reg, _ := testRegistry(t, &fakeMinter{})
	ctx := context.Background()

	if err := reg.Bind(ctx, &models.Installation{ID: 15, UserID: "u", RepoOwner: "u", RepoName: "r"}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := reg.Revoke(ctx, 15); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := reg.Resolve(ctx, 15); !errors.Is(err, ErrBindingNotFound) {
		t.Fatalf("expected ErrBindingNotFound after revoke, got %v", err)
	}
}
