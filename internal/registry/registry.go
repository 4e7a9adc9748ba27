// Package registry owns installation bindings and resolves them into
// short-lived provider credentials. The pipeline never sees the app
// credential; it only receives installation tokens from here.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/store"
)

var (
	ErrBindingNotFound = errors.New("no installation binding for target")

	// ErrBindingFlagged means the provider rejected the binding outright
	// and the user has to re-validate it before publishing again.
	ErrBindingFlagged = errors.New("installation binding is flagged")

	ErrCredentialExpired = errors.New("installation credential expired and could not be refreshed")
)

// TokenMinter exchanges the app credential for an installation token.
type TokenMinter interface {
	MintInstallationToken(ctx context.Context, installationID int64) (token string, expiresAt time.Time, err error)
}

// Credential is what the commit client authenticates with. Epoch ties
// it to the binding generation it was minted under.
type Credential struct {
	InstallationID int64
	RepoOwner      string
	RepoName       string
	Token          string
	ExpiresAt      time.Time
	Epoch          int64
}

type Registry struct {
	store  *store.Store
	minter TokenMinter
	log    *logrus.Entry

	// Tokens within this window of expiry are treated as expired so a
	// commit never starts with a token about to die under it.
	expirySkew time.Duration
}

func New(st *store.Store, minter TokenMinter) *Registry {
	return &Registry{
		store:      st,
		minter:     minter,
		log:        logging.C("registry"),
		expirySkew: 2 * time.Minute,
	}
}

// Bind records (or replaces) the binding for a user+repo pair. The
// store bumps the credential epoch so stale resolutions self-invalidate.
func (r *Registry) Bind(ctx context.Context, inst *models.Installation) error {
	if err := r.store.BindInstallation(ctx, inst); err != nil {
		return fmt.Errorf("bind installation %d: %w", inst.ID, err)
	}
	r.log.WithFields(logrus.Fields{
		"installation": inst.ID,
		"user":         inst.UserID,
		"repo":         inst.RepoOwner + "/" + inst.RepoName,
		"epoch":        inst.CredentialEpoch,
	}).Info("installation bound")
	return nil
}

// Revoke removes a binding, typically on an uninstall webhook.
func (r *Registry) Revoke(ctx context.Context, installationID int64) error {
	if err := r.store.DeleteInstallation(ctx, installationID); err != nil {
		return fmt.Errorf("revoke installation %d: %w", installationID, err)
	}
	r.log.WithField("installation", installationID).Info("installation revoked")
	return nil
}

// Resolve looks up the binding for an installation id.
func (r *Registry) Resolve(ctx context.Context, installationID int64) (*models.Installation, error) {
	inst, err := r.store.GetInstallation(ctx, installationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBindingNotFound
		}
		return nil, err
	}
	return inst, nil
}

// Flag marks a binding as needing user re-validation after the provider
// rejected a commit outright.
func (r *Registry) Flag(ctx context.Context, installationID int64, reason string) error {
	r.log.WithFields(logrus.Fields{
		"installation": installationID,
		"reason":       reason,
	}).Warn("flagging installation")
	return r.store.FlagInstallation(ctx, installationID, reason)
}

// CredentialFor returns a usable installation token, minting a fresh
// one when the cached token is missing or close to expiry.
func (r *Registry) CredentialFor(ctx context.Context, installationID int64) (Credential, error) {
	inst, err := r.Resolve(ctx, installationID)
	if err != nil {
		return Credential{}, err
	}
	if inst.FlaggedReason != "" {
		return Credential{}, fmt.Errorf("%w: %s", ErrBindingFlagged, inst.FlaggedReason)
	}

	if inst.Token != "" && time.Until(inst.TokenExpiresAt) > r.expirySkew {
		return credential(inst), nil
	}

	token, expiresAt, err := r.minter.MintInstallationToken(ctx, installationID)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialExpired, err)
	}
	if err := r.store.UpdateInstallationToken(ctx, installationID, token, expiresAt); err != nil {
		return Credential{}, err
	}
	inst.Token = token
	inst.TokenExpiresAt = expiresAt
	r.log.WithFields(logrus.Fields{
		"installation": installationID,
		"expires":      expiresAt.Format(time.RFC3339),
	}).Debug("installation token refreshed")
	return credential(inst), nil
}

func credential(inst *models.Installation) Credential {
	return Credential{
		InstallationID: inst.ID,
		RepoOwner:      inst.RepoOwner,
		RepoName:       inst.RepoName,
		Token:          inst.Token,
		ExpiresAt:      inst.TokenExpiresAt,
		Epoch:          inst.CredentialEpoch,
	}
}
