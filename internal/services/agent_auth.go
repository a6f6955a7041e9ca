package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yungbote/leadsync-backend/internal/pkg/ctxutil"
	"github.com/yungbote/leadsync-backend/internal/pkg/logger"
)

var ErrAgentAuthDisabled = errors.New("agent auth is not configured")

// AgentClaims identify the CRM agent behind a manual lead entry.
type AgentClaims struct {
	Agent string `json:"agent"`
	jwt.RegisteredClaims
}

type AgentAuth interface {
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
	IssueToken(agent string, ttl time.Duration) (string, error)
}

type agentAuth struct {
	log    *logger.Logger
	secret []byte
	issuer string
	now    func() time.Time
}

func NewAgentAuth(log *logger.Logger, secret, issuer string) AgentAuth {
	return &agentAuth{
		log:    log.With("service", "AgentAuth"),
		secret: []byte(strings.TrimSpace(secret)),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}
}

func (a *agentAuth) IssueToken(agent string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrAgentAuthDisabled
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return "", fmt.Errorf("agent is required")
	}
	now := a.now()
	claims := AgentClaims{
		Agent: agent,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// SetContextFromToken verifies an HS256 agent token and stores the agent
// name on the returned context.
func (a *agentAuth) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	if len(a.secret) == 0 {
		return ctx, ErrAgentAuthDisabled
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return ctx, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*AgentClaims)
	if !ok || !parsed.Valid {
		return ctx, fmt.Errorf("invalid or expired token")
	}
	agent := strings.TrimSpace(claims.Agent)
	if agent == "" {
		agent = strings.TrimSpace(claims.Subject)
	}
	if agent == "" {
		return ctx, fmt.Errorf("token has no agent")
	}
	return ctxutil.WithAgent(ctx, agent), nil
}
