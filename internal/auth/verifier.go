// Package auth provides identity verification for API callers.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"emdispatch/internal/model"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config selects the verification mode: dev (no verify), hmac (HS256), jwks (RS256 from JWKS URL).
type Config struct {
	Mode             string `mapstructure:"mode"`
	HMACSecret       string `mapstructure:"hmac_secret"`
	JWKSURL          string `mapstructure:"jwks_url"`
	RoleClaim        string `mapstructure:"role_claim"`
	ResponderClaim   string `mapstructure:"responder_claim"`
	Issuer           string `mapstructure:"issuer"`
	JWKSCacheTTLSecs int    `mapstructure:"jwks_cache_ttl_secs"`
}

// Principal is the authenticated caller.
type Principal struct {
	UserID      string
	Role        model.Role
	ResponderID string // set for ambulance, hospital and police crews
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == model.RoleAdmin }

// System is the actor used for transitions the server applies on its own.
var System = Principal{UserID: "system", Role: model.RoleSystem}

// Verifier validates bearer tokens and extracts role claims.
type Verifier struct {
	cfg    Config
	http   *http.Client
	mu     sync.RWMutex
	jwks   jwks
	last   time.Time
	ttl    time.Duration
	parser *jwt.Parser
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

func NewVerifier(cfg Config) *Verifier {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "dev"
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.ResponderClaim == "" {
		cfg.ResponderClaim = "responder_id"
	}
	ttl := 10 * time.Minute
	if cfg.JWKSCacheTTLSecs > 0 {
		ttl = time.Duration(cfg.JWKSCacheTTLSecs) * time.Second
	}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	switch cfg.Mode {
	case "hmac":
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	case "jwks":
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{cfg: cfg, http: &http.Client{Timeout: 5 * time.Second}, ttl: ttl, parser: jwt.NewParser(opts...)}
}

func (v *Verifier) Mode() string { return v.cfg.Mode }

func (v *Verifier) Verify(token string) (Principal, error) {
	if v.cfg.Mode == "dev" {
		return parseDevToken(token)
	}
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, v.keyFunc)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	sub, _ := claims.GetSubject()
	role, _ := claims[v.cfg.RoleClaim].(string)
	responder, _ := claims[v.cfg.ResponderClaim].(string)
	if sub == "" || role == "" {
		return Principal{}, fmt.Errorf("%w: missing sub or role claim", ErrUnauthenticated)
	}
	return Principal{UserID: sub, Role: model.Role(strings.ToLower(role)), ResponderID: responder}, nil
}

// dev token format: userId:role[:responderId]
func parseDevToken(token string) (Principal, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Principal{}, fmt.Errorf("%w: expected userId:role[:responderId]", ErrUnauthenticated)
	}
	p := Principal{UserID: parts[0], Role: model.Role(strings.ToLower(parts[1]))}
	if len(parts) > 2 {
		p.ResponderID = parts[2]
	}
	return p, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch v.cfg.Mode {
	case "hmac":
		if v.cfg.HMACSecret == "" {
			return nil, errors.New("hmac secret not configured")
		}
		return []byte(v.cfg.HMACSecret), nil
	case "jwks":
		kid, _ := t.Header["kid"].(string)
		return v.getRSAPublicKey(kid)
	}
	return nil, errors.New("unsupported auth mode")
}

// Issue signs an HS256 token for the principal. Used by tooling and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	if v.cfg.Mode == "dev" {
		tok := p.UserID + ":" + string(p.Role)
		if p.ResponderID != "" {
			tok += ":" + p.ResponderID
		}
		return tok, nil
	}
	if v.cfg.Mode != "hmac" {
		return "", errors.New("token issuing requires hmac mode")
	}
	now := time.Now()
	claims := jwt.MapClaims{"sub": p.UserID, "iat": now.Unix(), "exp": now.Add(ttl).Unix()}
	claims[v.cfg.RoleClaim] = string(p.Role)
	if p.ResponderID != "" {
		claims[v.cfg.ResponderClaim] = p.ResponderID
	}
	if v.cfg.Issuer != "" {
		claims["iss"] = v.cfg.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(v.cfg.HMACSecret))
}

// get RSAPublicKey from JWKS cache/fetch
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	cached := v.jwks
	stale := time.Since(v.last) > v.ttl
	v.mu.RUnlock()
	if len(cached.Keys) == 0 || stale {
		if err := v.fetchJWKS(); err != nil {
			return nil, err
		}
		v.mu.RLock()
		cached = v.jwks
		v.mu.RUnlock()
	}
	for _, k := range cached.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				return nil, err
			}
			eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				return nil, err
			}
			e := new(big.Int).SetBytes(eBytes)
			return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
		}
	}
	return nil, errors.New("kid not found in JWKS")
}

func (v *Verifier) fetchJWKS() error {
	if v.cfg.JWKSURL == "" {
		return errors.New("jwks url not set")
	}
	req, _ := http.NewRequest(http.MethodGet, v.cfg.JWKSURL, nil)
	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	var j jwks
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return err
	}
	v.mu.Lock()
	v.jwks = j
	v.last = time.Now()
	v.mu.Unlock()
	return nil
}
