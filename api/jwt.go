package api

import (
	"crypto"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"auction/models"
)

// JWT 是 access token 的內容，Subject 為使用者 ID
type JWT struct {
	Username string      `json:"username"`
	Role     models.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func ParseAndValidateJWT(tokenString string, secret crypto.Signer) (*JWT, error) {
	const op = "ParseJWT"
	token, err := jwt.ParseWithClaims(tokenString, &JWT{}, func(token *jwt.Token) (interface{}, error) {
		return secret.Public(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%s: token is invalid", op)
	}
	claims, ok := token.Claims.(*JWT)
	if !ok {
		return nil, fmt.Errorf("%s: token claims are invalid", op)
	}
	return claims, nil
}

// SignJWT 以 Ed25519 私鑰簽發 access token
func SignJWT(claims JWT, secret crypto.Signer) (string, error) {
	const op = "SignJWT"
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}
