package bearerauth

import (
	"crypto"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// parsePublicKey accepts either an RSA or EC PEM-encoded public key, trying
// RSA first since it is the more common deployment choice for this codebase.
func parsePublicKey(pemKey string) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey)); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM([]byte(pemKey)); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("key is neither a valid RSA nor EC PEM public key")
}
