// Package middleware provides the request-context helpers shared between
// the core HTTP layer and plugins.
//
// This package lives in pkg/ (not internal/) so plugin sub-routers can
// read the authenticated principal from their own handlers.
package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/discosat/satop-platform/pkg/models"
)

type contextKey string

const payloadKey contextKey = "token_payload"

// SetTokenPayload stores the validated token payload in the context.
// Called by the login middleware after validation.
func SetTokenPayload(ctx context.Context, payload *models.TokenPayload) context.Context {
	if payload == nil {
		return ctx
	}
	return context.WithValue(ctx, payloadKey, payload)
}

// GetTokenPayload retrieves the validated token payload, or nil for an
// unauthenticated request.
func GetTokenPayload(ctx context.Context) *models.TokenPayload {
	if v, ok := ctx.Value(payloadKey).(*models.TokenPayload); ok {
		return v
	}
	return nil
}

// UserID returns the authenticated entity id, or uuid.Nil when the
// request carries no validated token.
func UserID(ctx context.Context) uuid.UUID {
	if p := GetTokenPayload(ctx); p != nil {
		return p.Sub
	}
	return uuid.Nil
}
