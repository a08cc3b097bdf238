package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
)

const headerName = "X-API-Key"

// Generate creates a new admin key and its storable hash.
func Generate(env string) (fullKey string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	fullKey = fmt.Sprintf("pk_%s.%s", env, secret)
	return fullKey, Hash(fullKey), nil
}

func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify checks a presented key against the configured hash and IP whitelist.
func Verify(key, keyHash, clientIP string, whitelist []string) error {
	if strings.TrimSpace(key) == "" || keyHash == "" {
		return ErrInvalidKey
	}
	presented := Hash(key)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(keyHash)) != 1 {
		return ErrInvalidKey
	}
	if !IPAllowed(clientIP, whitelist) {
		return ErrIPNotAllowed
	}
	return nil
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

// Middleware guards admin routes with a shared-key check.
func Middleware(keyHash string, whitelist []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := Verify(c.GetHeader(headerName), keyHash, c.ClientIP(), whitelist)
		if err != nil {
			status := http.StatusUnauthorized
			code := "UNAUTHORIZED"
			if errors.Is(err, ErrIPNotAllowed) {
				status = http.StatusForbidden
				code = "FORBIDDEN"
			}
			c.AbortWithStatusJSON(status, gin.H{"code": code, "message": "admin access denied"})
			return
		}
		c.Next()
	}
}
