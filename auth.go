package main

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const lockoutDuration = LockoutMinutes * time.Minute

// AuthAttempt tracks failed api key attempts
type AuthAttempt struct {
	Count       int
	LockedUntil time.Time
}

// APIKeyGuard protects mutating routes with a bcrypt-hashed bearer key
type APIKeyGuard struct {
	keyHash        string
	trustedProxies []*net.IPNet
	attempts       map[string]*AuthAttempt
	now            func() time.Time
	logger         *logrus.Logger
	mu             sync.Mutex
}

// NewAPIKeyGuard creates a guard. An empty hash leaves the guard open.
// Forwarding headers are only honored for requests coming from trustedProxies.
func NewAPIKeyGuard(keyHash string, trustedProxies []*net.IPNet, logger *logrus.Logger) *APIKeyGuard {
	return &APIKeyGuard{
		keyHash:        keyHash,
		trustedProxies: trustedProxies,
		attempts:       make(map[string]*AuthAttempt),
		now:            time.Now,
		logger:         logger,
	}
}

// parseTrustedProxies accepts plain IPs and CIDR blocks
func parseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// hashAPIKey creates a bcrypt hash of the key
func hashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// verifyAPIKey checks if the key matches the hash
func verifyAPIKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// checkBruteForce checks if the IP is locked out due to too many attempts
func (g *APIKeyGuard) checkBruteForce(ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	attempt, exists := g.attempts[ip]
	if !exists {
		return nil
	}

	now := g.now()
	if now.Before(attempt.LockedUntil) {
		remaining := attempt.LockedUntil.Sub(now).Round(time.Second)
		return fmt.Errorf("too many failed attempts, try again in %v", remaining)
	}

	// Lockout expired, reset
	if !attempt.LockedUntil.IsZero() {
		delete(g.attempts, ip)
	}

	return nil
}

// recordFailedAttempt records a failed attempt
func (g *APIKeyGuard) recordFailedAttempt(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	attempt, exists := g.attempts[ip]
	if !exists {
		attempt = &AuthAttempt{}
		g.attempts[ip] = attempt
	}

	attempt.Count++

	if attempt.Count >= MaxAuthAttempts {
		attempt.LockedUntil = g.now().Add(lockoutDuration)
		g.logger.WithField("client_ip", ip).Warn("Client locked out after repeated bad api keys")
	}
}

func (g *APIKeyGuard) resetFailedAttempts(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, ip)
}

// Authorize validates the bearer key on r
func (g *APIKeyGuard) Authorize(r *http.Request) error {
	if g.keyHash == "" {
		return nil
	}

	ip := getClientIP(r, g.trustedProxies)
	if err := g.checkBruteForce(ip); err != nil {
		return err
	}

	key := bearerToken(r)
	if key == "" {
		return fmt.Errorf("missing api key")
	}

	if !verifyAPIKey(key, g.keyHash) {
		g.recordFailedAttempt(ip)
		return fmt.Errorf("invalid api key")
	}

	g.resetFailedAttempts(ip)
	return nil
}

// Require wraps a handler so it only runs for authorized requests
func (g *APIKeyGuard) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.Authorize(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="augmentor"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// purgeStaleAttempts drops lockouts that expired long ago
func (g *APIKeyGuard) purgeStaleAttempts() {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for ip, attempt := range g.attempts {
		if now.After(attempt.LockedUntil.Add(AttemptPurgeHour * time.Hour)) {
			delete(g.attempts, ip)
		}
	}
}

// runCleanup periodically purges stale attempts until stop is closed
func (g *APIKeyGuard) runCleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(AttemptPurgeHour * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.purgeStaleAttempts()
		case <-stop:
			return
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.Header.Get("X-API-Key")
}

// getClientIP extracts the client IP (without port) from the request.
// X-Forwarded-For and X-Real-IP are only read when the peer is a trusted proxy.
func getClientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if !isTrustedProxy(host, trustedProxies) {
		return host
	}

	// First hop is the original client
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}

	return host
}

func isTrustedProxy(host string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
