package authz

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ServiceClaims are the RS256 claims a service-to-service replication
// token carries.
type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// TokenIssuer signs short-lived service tokens for BearerAuthorizer.
type TokenIssuer struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	ttl        time.Duration
}

// NewTokenIssuer creates an issuer that signs tokens valid for ttl.
func NewTokenIssuer(privateKey *rsa.PrivateKey, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, publicKey: &privateKey.PublicKey, ttl: ttl}
}

// IssueServiceToken returns a signed RS256 JWT identifying serviceName.
func (i *TokenIssuer) IssueServiceToken(serviceName string) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Service: serviceName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "system:" + serviceName,
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(i.privateKey)
}

// ValidateServiceToken verifies signature and expiry and returns the
// claims.
func (i *TokenIssuer) ValidateServiceToken(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("authz: unexpected signing method")
		}
		return i.publicKey, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, errors.New("authz: invalid token")
	}
	return claims, nil
}
