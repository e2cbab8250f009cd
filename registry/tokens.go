package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/models"
)

// MachineTokenPrefix marks machine credentials; client API keys use a
// different prefix so the auth middleware can tell them apart.
const MachineTokenPrefix = "mk-"

// ErrTokenNotFound is returned for revocations of unknown or already
// revoked tokens.
var ErrTokenNotFound = errors.New("machine token not found")

func newMachineToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return MachineTokenPrefix + hex.EncodeToString(raw), nil
}

// IssueToken mints a machine token. The plaintext is only available in
// the returned value.
func (r *Registry) IssueToken(ctx context.Context, machineID uint, description string) (models.MachineToken, error) {
	if _, err := r.Get(ctx, machineID); err != nil {
		return models.MachineToken{}, err
	}
	token, err := newMachineToken()
	if err != nil {
		return models.MachineToken{}, err
	}
	return r.tokens.Create(ctx, models.MachineToken{
		ID:          uuid.NewString(),
		MachineID:   machineID,
		APIToken:    token,
		Description: description,
	})
}

// RevokeToken tombstones a token. The row is kept so past heartbeats
// stay attributable.
func (r *Registry) RevokeToken(ctx context.Context, tokenID string) error {
	token, err := r.tokens.Get(ctx, tokenID)
	if errors.Is(err, repositories.NotFoundError) {
		return ErrTokenNotFound
	}
	if err != nil {
		return err
	}
	if token.DeletedAt != nil {
		return ErrTokenNotFound
	}
	now := time.Now()
	token.DeletedAt = &now
	_, err = r.tokens.Update(ctx, token.ID, token)
	return err
}

// Tokens lists the machine's active tokens.
func (r *Registry) Tokens(ctx context.Context, machineID uint) ([]models.MachineToken, error) {
	query := r.tokens.GetQuery()
	query.Conditions = []repositories.QueryCondition{
		repositories.EQ("machine_id", machineID),
		repositories.IsNull("deleted_at"),
	}
	query.SortBy = "created_at"
	return r.tokens.FindAll(ctx, query)
}

// Authenticate checks a presented machine token against the machine's
// active tokens.
func (r *Registry) Authenticate(ctx context.Context, machineID uint, token string) (bool, error) {
	query := r.tokens.GetQuery()
	query.Conditions = []repositories.QueryCondition{
		repositories.EQ("machine_id", machineID),
		repositories.EQ("api_token", token),
		repositories.IsNull("deleted_at"),
	}
	_, err := r.tokens.Find(ctx, query)
	if errors.Is(err, repositories.NotFoundError) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TokenMachine resolves a presented machine token back to its machine.
func (r *Registry) TokenMachine(ctx context.Context, token string) (models.MachineToken, error) {
	query := r.tokens.GetQuery()
	query.Conditions = []repositories.QueryCondition{
		repositories.EQ("api_token", token),
		repositories.IsNull("deleted_at"),
	}
	row, err := r.tokens.Find(ctx, query)
	if errors.Is(err, repositories.NotFoundError) {
		return models.MachineToken{}, ErrTokenNotFound
	}
	return row, err
}

func (r *Registry) revokeAllTokens(ctx context.Context, machineID uint) error {
	tokens, err := r.Tokens(ctx, machineID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, token := range tokens {
		token.DeletedAt = &now
		if _, err := r.tokens.Update(ctx, token.ID, token); err != nil {
			return err
		}
	}
	return nil
}
