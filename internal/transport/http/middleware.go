package http

import (
	"fmt"
	stdhttp "net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/auth"
)

// ContextKeySubject is the context key for the authenticated token subject.
const ContextKeySubject = "subject"

// bearerSubject extracts and validates the bearer token from an
// Authorization header, returning the token's subject.
func bearerSubject(cfg *auth.JWTConfig, authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	claims, err := auth.ValidateToken(cfg, parts[1])
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return claims.Subject, nil
}

// BearerAuth validates HS256 bearer tokens on the guarded gin endpoints.
func BearerAuth(cfg *auth.JWTConfig, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject, err := bearerSubject(cfg, c.GetHeader("Authorization"))
		if err != nil {
			logger.Debug().Err(err).Msg("bearer auth rejected")
			c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			c.Abort()
			return
		}

		c.Set(ContextKeySubject, subject)
		c.Next()
	}
}

// RequireBearer is the stdlib twin of BearerAuth, guarding the websocket
// endpoint which bypasses gin.
func RequireBearer(cfg *auth.JWTConfig, logger *zerolog.Logger, next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if _, err := bearerSubject(cfg, r.Header.Get("Authorization")); err != nil {
			logger.Debug().Err(err).Msg("bearer auth rejected")
			stdhttp.Error(w, err.Error(), stdhttp.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
