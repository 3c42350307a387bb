package middleware

import (
	"errors"
	"fmt"
	"strings"

	pkgerrors "gradeflow/pkg/errors"
	"gradeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const serviceRole = "grader-admin"

// ServiceTokenConfig configures admin token verification.
type ServiceTokenConfig struct {
	Secret string
	Issuer string
}

type serviceClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ServiceTokenMiddleware guards operator endpoints with an HS256 bearer token
// whose role claim is grader-admin.
func ServiceTokenMiddleware(cfg ServiceTokenConfig) gin.HandlerFunc {
	secret := []byte(cfg.Secret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "admin api is disabled")
			return
		}
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			response.AbortWithErrorCode(c, pkgerrors.Unauthorized, "missing bearer token")
			return
		}
		claims, err := parseServiceToken(raw, secret, cfg.Issuer)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set("operator", claims.Subject)
		c.Next()
	}
}

// IssueServiceToken signs a token accepted by ServiceTokenMiddleware.
func IssueServiceToken(cfg ServiceTokenConfig, subject string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = subject
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, serviceClaims{Role: serviceRole, RegisteredClaims: claims})
	return token.SignedString([]byte(cfg.Secret))
}

func parseServiceToken(raw string, secret []byte, issuer string) (*serviceClaims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &serviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*serviceClaims)
	if !ok || !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.Role != serviceRole {
		return nil, pkgerrors.New(pkgerrors.Forbidden).WithMessage("insufficient role")
	}
	return claims, nil
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
