package identity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"ledger-core/internal/model"
	"ledger-core/internal/repository"
	"ledger-core/pkg/cache"
	"ledger-core/pkg/errno"
	"ledger-core/pkg/logger"
)

const (
	ownerKeyPrefix    = "ledger:owner:"
	identityKeyPrefix = "ledger:identity:"
)

// Directory resolves account owners and their contact addresses. Owners
// never change after an account is created, so lookups are cached.
type Directory struct {
	accounts   repository.AccountRepository
	identities repository.IdentityRepository
	cache      cache.Cache
	ttl        time.Duration
}

// NewDirectory builds a Directory. c may be nil to disable caching.
func NewDirectory(accounts repository.AccountRepository, identities repository.IdentityRepository, c cache.Cache, ttl time.Duration) *Directory {
	return &Directory{accounts: accounts, identities: identities, cache: c, ttl: ttl}
}

// ResolveOwners maps every account id to its owner identity. The call fails
// with ErrAccountNotFound if any account is missing.
func (d *Directory) ResolveOwners(ctx context.Context, accountIDs []string) (map[string]string, error) {
	owners := make(map[string]string, len(accountIDs))
	for _, id := range accountIDs {
		if _, ok := owners[id]; ok {
			continue
		}
		owner, err := d.owner(ctx, id)
		if err != nil {
			return nil, err
		}
		owners[id] = owner
	}
	return owners, nil
}

func (d *Directory) owner(ctx context.Context, accountID string) (string, error) {
	var owner string
	if d.cache != nil {
		if err := d.cache.Get(ctx, ownerKeyPrefix+accountID, &owner); err == nil {
			return owner, nil
		}
	}

	acct, err := d.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", errno.Wrapf(errno.ErrAccountNotFound, "account %s", accountID)
	}
	if err != nil {
		return "", err
	}

	if d.cache != nil {
		if err := d.cache.Set(ctx, ownerKeyPrefix+accountID, acct.Owner, d.ttl); err != nil {
			logger.Warn("owner cache set failed", zap.String("account", accountID), zap.Error(err))
		}
	}
	return acct.Owner, nil
}

// Get returns an identity record.
func (d *Directory) Get(ctx context.Context, identityID string) (*model.Identity, error) {
	var ident model.Identity
	if d.cache != nil {
		if err := d.cache.Get(ctx, identityKeyPrefix+identityID, &ident); err == nil {
			return &ident, nil
		}
	}

	found, err := d.identities.GetIdentity(ctx, identityID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errno.Wrapf(errno.ErrContactNotVerified, "identity %s unknown", identityID)
	}
	if err != nil {
		return nil, err
	}

	// 只缓存已验证的身份, 未验证的状态随时可能变化
	if d.cache != nil && found.EmailVerified {
		_ = d.cache.Set(ctx, identityKeyPrefix+identityID, found, d.ttl)
	}
	return found, nil
}

// VerifiedEmail returns the identity's email, or ErrContactNotVerified.
func (d *Directory) VerifiedEmail(ctx context.Context, identityID string) (string, error) {
	ident, err := d.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	if ident.Email == "" || !ident.EmailVerified {
		return "", errno.Wrapf(errno.ErrContactNotVerified, "identity %s", identityID)
	}
	return ident.Email, nil
}
