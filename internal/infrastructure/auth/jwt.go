package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
)

// ErrNoToken request carries no token
var ErrNoToken = errors.New("no token in request")

// LearnerClaims token payload issued by the platform's auth service
type LearnerClaims struct {
	LearnerID string `json:"uid"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	TenantID  string `json:"tid,omitempty"`

	jwt.StandardClaims
}

// TimeRemaining remaining time before the token get expired
func (tk *LearnerClaims) TimeRemaining() time.Duration {
	exp := time.Unix(tk.ExpiresAt, 0)
	now := time.Now()

	if exp.Before(now) {
		return 0
	}
	return exp.Sub(now)
}

// JWTUtil .
type JWTUtil struct {
	secret    []byte
	tokenName string
	timeout   time.Duration
	method    jwt.SigningMethod
}

// NewJWTUtil create a JWTUtil instance
func NewJWTUtil(method, secret, tokenName string, timeout time.Duration) *JWTUtil {
	var signMethod jwt.SigningMethod
	switch method {
	case "HS512":
		signMethod = jwt.SigningMethodHS512
	default:
		signMethod = jwt.SigningMethodHS256
	}
	return &JWTUtil{
		method:    signMethod,
		secret:    []byte(secret),
		tokenName: tokenName,
		timeout:   timeout,
	}
}

// Sign sign token
func (ju *JWTUtil) Sign(claims *LearnerClaims) (string, error) {
	token := jwt.NewWithClaims(ju.method, claims)
	return token.SignedString(ju.secret)
}

// IssueToken sign a token for learner, expiring after the configured timeout
func (ju *JWTUtil) IssueToken(learnerID, email, name string) (string, error) {
	return ju.Sign(&LearnerClaims{
		LearnerID: learnerID,
		Email:     email,
		Name:      name,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ju.timeout).Unix(),
		},
	})
}

// Validate validate token string with secret and return LearnerClaims
func (ju *JWTUtil) Validate(tokenStr string) (*LearnerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &LearnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != ju.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
		return ju.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims := token.Claims.(*LearnerClaims)
	if claims.LearnerID == "" {
		return nil, errors.New("token has no learner id")
	}
	return claims, nil
}

// SetContextToken set token in App context
func (ju *JWTUtil) SetContextToken(c echo.Context, token *LearnerClaims) {
	c.Set(ju.tokenName, token)
}

// GetContextToken get token from App context
func (ju *JWTUtil) GetContextToken(c echo.Context) *LearnerClaims {
	v, ok := c.Get(ju.tokenName).(*LearnerClaims)
	if ok {
		return v
	}
	return nil
}

// ExtractToken get token string from request cookie, or the Authorization header
// for clients that can't carry cookies (eg. websocket dialers)
func (ju *JWTUtil) ExtractToken(c echo.Context) (string, error) {
	if token, err := c.Cookie(ju.tokenName); err == nil && token.Value != "" {
		return token.Value, nil
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer "), nil
	}
	return "", ErrNoToken
}
