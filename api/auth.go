package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"gitlab.com/inference-grid/routing-service/cache"
	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/models"
)

// Credential kinds accepted by the API. Client API keys ("sk-"),
// machine tokens ("mk-") and JWTs share one Authorization header; the
// prefix decides how the credential is verified.
const (
	CredentialAPIKey  = "api_key"
	CredentialMachine = "machine"
	CredentialJWT     = "jwt"
)

const (
	apiKeyPrefix  = "sk-"
	machinePrefix = "mk-"

	credentialKey = "credential"

	// tokenCacheTTL bounds how long a revoked API key keeps working.
	tokenCacheTTL = 5 * time.Minute
)

// Credential is the authenticated identity attached to the request
// context by the auth middleware.
type Credential struct {
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
	APIKeyID  string `json:"api_key_id,omitempty"`
	MachineID uint   `json:"machine_id,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}

type authenticator struct {
	apiTokens repositories.APITokenRepository
	machines  machineAuthenticator
	store     cache.Store
	jwtSecret string
}

// machineAuthenticator resolves machine tokens; implemented by the
// registry.
type machineAuthenticator interface {
	TokenMachine(ctx context.Context, token string) (models.MachineToken, error)
}

// Authenticate resolves the Authorization header into a Credential and
// aborts with 401 when it cannot.
func (a *authenticator) Authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	var (
		cred Credential
		err  error
	)
	switch {
	case strings.HasPrefix(token, apiKeyPrefix):
		cred, err = a.resolveAPIKey(c.Request.Context(), token)
	case strings.HasPrefix(token, machinePrefix):
		cred, err = a.resolveMachineToken(c.Request.Context(), token)
	default:
		cred, err = a.resolveJWT(token)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	c.Set(credentialKey, cred)
	c.Next()
}

func (a *authenticator) resolveAPIKey(ctx context.Context, token string) (Credential, error) {
	cacheKey := "token:" + token
	if raw, err := a.store.Get(ctx, cacheKey); err == nil {
		var cred Credential
		if err := json.Unmarshal([]byte(raw), &cred); err == nil {
			return cred, nil
		}
	}

	query := a.apiTokens.GetQuery()
	query.Conditions = []repositories.QueryCondition{
		repositories.EQ("token", token),
		repositories.IsNull("deleted_at"),
	}
	row, err := a.apiTokens.Find(ctx, query)
	if err != nil {
		return Credential{}, err
	}

	cred := Credential{Kind: CredentialAPIKey, SubjectID: row.SubjectID, APIKeyID: row.ID}
	if encoded, err := json.Marshal(cred); err == nil {
		if err := a.store.Set(ctx, cacheKey, string(encoded), tokenCacheTTL); err != nil {
			zlog.Warn("failed to cache api token")
		}
	}
	return cred, nil
}

func (a *authenticator) resolveMachineToken(ctx context.Context, token string) (Credential, error) {
	row, err := a.machines.TokenMachine(ctx, token)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Kind: CredentialMachine, MachineID: row.MachineID}, nil
}

func (a *authenticator) resolveJWT(token string) (Credential, error) {
	if a.jwtSecret == "" {
		return Credential{}, errors.New("jwt authentication disabled")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.jwtSecret), nil
	})
	if err != nil || !parsed.Valid {
		return Credential{}, errors.New("invalid jwt")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Credential{}, errors.New("invalid jwt claims")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return Credential{}, errors.New("jwt missing subject")
	}
	role, _ := claims["role"].(string)
	return Credential{Kind: CredentialJWT, SubjectID: subject, Admin: role == "admin"}, nil
}

// credential returns the Credential the auth middleware attached.
func credential(c *gin.Context) Credential {
	cred, _ := c.Get(credentialKey)
	if typed, ok := cred.(Credential); ok {
		return typed
	}
	return Credential{}
}

// requireSubject rejects machine credentials on billing endpoints.
func requireSubject(c *gin.Context) {
	if credential(c).SubjectID == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "subject credentials required"})
		return
	}
	c.Next()
}

// requireAdmin gates fleet and ledger administration.
func requireAdmin(c *gin.Context) {
	if !credential(c).Admin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin credentials required"})
		return
	}
	c.Next()
}

// requireMachine rejects anything but machine tokens.
func requireMachine(c *gin.Context) {
	if credential(c).Kind != CredentialMachine {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "machine credentials required"})
		return
	}
	c.Next()
}
