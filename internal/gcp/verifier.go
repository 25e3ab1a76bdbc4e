package gcp

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"twistbridge/internal/clock"
	"twistbridge/internal/config"
	"twistbridge/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// VerifyErrorKind classifies rejected webhook calls.
type VerifyErrorKind string

const (
	// VerifyUnauthenticated means the caller failed the authenticity check.
	VerifyUnauthenticated VerifyErrorKind = "unauthenticated"
	// VerifyMalformed means the body does not describe an incident.
	VerifyMalformed VerifyErrorKind = "malformed"
)

// VerifyError is returned to the HTTP layer; the request is rejected, never retried here.
type VerifyError struct {
	Kind VerifyErrorKind
	Err  error
}

// Error returns kind-prefixed message.
// Params: none.
// Returns: error text.
func (e *VerifyError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap exposes the underlying cause.
// Params: none.
// Returns: wrapped error.
func (e *VerifyError) Unwrap() error {
	return e.Err
}

// Permanent marks verification failures as non-retryable.
// Params: none.
// Returns: true.
func (e *VerifyError) Permanent() bool {
	return true
}

// HTTPStatus maps the kind onto the response status.
// Params: none.
// Returns: 401 or 400.
func (e *VerifyError) HTTPStatus() int {
	if e.Kind == VerifyUnauthenticated {
		return http.StatusUnauthorized
	}
	return http.StatusBadRequest
}

// IsUnauthenticated reports whether err is an authentication rejection.
// Params: candidate error.
// Returns: true for VerifyUnauthenticated.
func IsUnauthenticated(err error) bool {
	var verifyErr *VerifyError
	return errors.As(err, &verifyErr) && verifyErr.Kind == VerifyUnauthenticated
}

// IsMalformed reports whether err is a payload rejection.
// Params: candidate error.
// Returns: true for VerifyMalformed.
func IsMalformed(err error) bool {
	var verifyErr *VerifyError
	return errors.As(err, &verifyErr) && verifyErr.Kind == VerifyMalformed
}

func unauthenticated(format string, args ...any) error {
	return &VerifyError{Kind: VerifyUnauthenticated, Err: fmt.Errorf(format, args...)}
}

// Verifier authenticates webhook calls and turns bodies into AlertEvents.
// Params: verify config and clock for receipt timestamps.
// Returns: stateless verifier safe for concurrent use.
type Verifier struct {
	cfg    config.VerifyConfig
	clock  clock.Clock
	parser *jwt.Parser
}

// NewVerifier creates verifier for configured auth mode.
// Params: verify settings and clock.
// Returns: initialized verifier.
func NewVerifier(cfg config.VerifyConfig, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clk.Now),
		jwt.WithLeeway(time.Duration(cfg.JWTLeewaySec) * time.Second),
	}
	if issuer := strings.TrimSpace(cfg.JWTIssuer); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.JWTAudience); audience != "" {
		options = append(options, jwt.WithAudience(audience))
	}
	return &Verifier{
		cfg:    cfg,
		clock:  clk,
		parser: jwt.NewParser(options...),
	}
}

// VerifyAndParse authenticates one webhook call and decodes its body.
// Params: raw body, request headers, and URL query.
// Returns: normalized event or *VerifyError.
func (v *Verifier) VerifyAndParse(raw []byte, headers http.Header, query url.Values) (domain.AlertEvent, error) {
	if err := v.Authenticate(headers, query); err != nil {
		return domain.AlertEvent{}, err
	}
	event, err := ParsePayload(raw, v.clock.Now())
	if err != nil {
		return domain.AlertEvent{}, &VerifyError{Kind: VerifyMalformed, Err: err}
	}
	return event, nil
}

// Authenticate checks request credentials for the configured mode.
// Params: request headers and URL query.
// Returns: nil or unauthenticated *VerifyError.
func (v *Verifier) Authenticate(headers http.Header, query url.Values) error {
	switch v.cfg.Mode {
	case config.VerifyModeNone:
		return nil
	case config.VerifyModeToken:
		presented := presentedToken(headers, query, v.cfg.TokenParam)
		if presented == "" {
			return unauthenticated("token missing")
		}
		if !secretEqual(presented, v.cfg.Token) {
			return unauthenticated("token mismatch")
		}
		return nil
	case config.VerifyModeBasic:
		request := http.Request{Header: headers}
		username, password, ok := request.BasicAuth()
		if !ok {
			return unauthenticated("basic credentials missing")
		}
		userOK := secretEqual(username, v.cfg.Username)
		passOK := secretEqual(password, v.cfg.Password)
		if !userOK || !passOK {
			return unauthenticated("basic credentials mismatch")
		}
		return nil
	case config.VerifyModeJWT:
		raw := bearerToken(headers)
		if raw == "" {
			return unauthenticated("bearer token missing")
		}
		_, err := v.parser.Parse(raw, func(*jwt.Token) (any, error) {
			return []byte(v.cfg.JWTSecret), nil
		})
		if err != nil {
			return unauthenticated("jwt rejected: %w", err)
		}
		return nil
	default:
		return unauthenticated("unsupported verify mode %q", v.cfg.Mode)
	}
}

// presentedToken extracts a shared token from query, X-Auth-Token, or bearer header.
// Params: headers, query, and query parameter name.
// Returns: first non-empty token.
func presentedToken(headers http.Header, query url.Values, param string) string {
	if token := strings.TrimSpace(query.Get(param)); token != "" {
		return token
	}
	if token := strings.TrimSpace(headers.Get("X-Auth-Token")); token != "" {
		return token
	}
	return bearerToken(headers)
}

func bearerToken(headers http.Header) string {
	value := strings.TrimSpace(headers.Get("Authorization"))
	if len(value) < 7 || !strings.EqualFold(value[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[7:])
}

// secretEqual compares SHA-256 digests of both values in constant time.
// Params: presented and expected secret.
// Returns: true on match.
func secretEqual(presented, expected string) bool {
	left := sha256.Sum256([]byte(presented))
	right := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(left[:], right[:]) == 1 && expected != ""
}
