package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ewhitmore/chatwarden/crypto"
)

// Account state values.
const (
	AccountEnabled  = "enabled"
	AccountDisabled = "disabled"
)

// Account is one stored chat credential. Tokens are plaintext in memory and
// encrypted at rest when ENCRYPTION_KEY is configured.
type Account struct {
	ID           string
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Provider     string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertAccount stores or updates an account credential. encryption_version=1
// marks encrypted tokens, version=0 plaintext; rows written before encryption
// was enabled remain readable.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	access := a.AccessToken
	refresh := a.RefreshToken
	if enc != nil {
		encVersion = 1
		if access != "" {
			if access, err = crypto.EncryptString(enc, access); err != nil {
				return fmt.Errorf("encrypt access token: %w", err)
			}
		}
		if refresh != "" {
			if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
				return fmt.Errorf("encrypt refresh token: %w", err)
			}
		}
	}

	provider := a.Provider
	if provider == "" {
		provider = "twitch"
	}
	state := a.State
	if state == "" {
		state = AccountEnabled
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO accounts(id, username, access_token, refresh_token, expires_at, provider, state, encryption_version, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,NOW(),NOW())
		 ON CONFLICT(id) DO UPDATE SET
		   username=EXCLUDED.username,
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   provider=EXCLUDED.provider,
		   state=EXCLUDED.state,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		a.ID, a.Username, access, refresh, a.ExpiresAt, provider, state, encVersion)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount fetches one account, decrypting tokens as needed. Returns
// sql.ErrNoRows when the account does not exist.
func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id, username, access_token, refresh_token, expires_at, provider, state, COALESCE(encryption_version,0), created_at, updated_at
		 FROM accounts WHERE id=$1`, id)
	return scanAccount(row)
}

// ListAccounts returns accounts in the given state ("" for all), decrypted.
func (s *Store) ListAccounts(ctx context.Context, state string) ([]Account, error) {
	q := `SELECT id, username, access_token, refresh_token, expires_at, provider, state, COALESCE(encryption_version,0), created_at, updated_at
		  FROM accounts`
	var args []any
	if state != "" {
		q += ` WHERE state=$1`
		args = append(args, state)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAccountState enables or disables an account.
func (s *Store) SetAccountState(ctx context.Context, id, state string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE accounts SET state=$2, updated_at=NOW() WHERE id=$1`, id, state)
	if err != nil {
		return fmt.Errorf("set account state: %w", err)
	}
	return nil
}

// DeleteAccount removes a stored credential.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var expires sql.NullTime
	var encVersion int
	if err := row.Scan(&a.ID, &a.Username, &a.AccessToken, &a.RefreshToken,
		&expires, &a.Provider, &a.State, &encVersion, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	if expires.Valid {
		a.ExpiresAt = expires.Time
	}

	if encVersion == 1 {
		enc, err := getEncryptor()
		if err != nil {
			return Account{}, fmt.Errorf("get encryptor for decryption: %w", err)
		}
		if enc == nil {
			return Account{}, fmt.Errorf("account %s token is encrypted but ENCRYPTION_KEY not configured", a.ID)
		}
		if a.AccessToken != "" {
			if a.AccessToken, err = crypto.DecryptString(enc, a.AccessToken); err != nil {
				return Account{}, fmt.Errorf("decrypt access token: %w", err)
			}
		}
		if a.RefreshToken != "" {
			if a.RefreshToken, err = crypto.DecryptString(enc, a.RefreshToken); err != nil {
				return Account{}, fmt.Errorf("decrypt refresh token: %w", err)
			}
		}
	}
	return a, nil
}
