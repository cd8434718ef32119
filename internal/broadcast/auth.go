package broadcast

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

var errMissingToken = errors.New("missing bearer token")

// verifyBearer checks the Authorization header of an incoming connection.
// Any non-empty bearer is accepted when no secret is configured, so client
// test setups do not depend on token issuance; with a secret the token must
// be a valid HS256 JWT.
func verifyBearer(header, secret string) error {
	token := bearerFromHeader(header)
	if token == "" {
		return errMissingToken
	}
	if secret == "" {
		return nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !parsed.Valid {
		return errors.New("token invalid")
	}
	return nil
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
