package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pliu/supportchat/internal/models"
)

const CookieName = "session"

type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignCookie creates a signed cookie value in the format "value|signature"
func (s *Signer) SignCookie(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// VerifyCookie verifies the signed cookie and returns the original value
func (s *Signer) VerifyCookie(signedValue string) (string, error) {
	parts := strings.Split(signedValue, "|")
	if len(parts) != 2 {
		return "", errors.New("invalid cookie format")
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid value encoding")
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}

	if !hmac.Equal(signature, s.mac(value)) {
		return "", errors.New("invalid signature")
	}

	return value, nil
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// SignPrincipal encodes p as "id:role" and signs it.
func (s *Signer) SignPrincipal(p models.Principal) string {
	return s.SignCookie(strconv.Itoa(p.UserID) + ":" + string(p.Role))
}

func (s *Signer) VerifyPrincipal(signedValue string) (models.Principal, error) {
	value, err := s.VerifyCookie(signedValue)
	if err != nil {
		return models.Principal{}, err
	}
	idStr, role, ok := strings.Cut(value, ":")
	if !ok {
		return models.Principal{}, errors.New("invalid principal")
	}
	id, err := strconv.Atoi(idStr)
	if err != nil || id <= 0 {
		return models.Principal{}, errors.New("invalid principal id")
	}
	return models.Principal{UserID: id, Role: models.Role(role)}, nil
}
