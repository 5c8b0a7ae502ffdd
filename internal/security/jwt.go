package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/pixalio/dm-service/internal/domain"
)

var (
	ErrInvalidToken    = fmt.Errorf("%w: invalid token", domain.ErrUnauthenticated)
	ErrTokenExpired    = fmt.Errorf("%w: token expired or not yet valid", domain.ErrUnauthenticated)
	ErrInvalidIssuer   = fmt.Errorf("%w: invalid issuer", domain.ErrUnauthenticated)
	ErrInvalidAudience = fmt.Errorf("%w: invalid audience", domain.ErrUnauthenticated)
	ErrInvalidSubject  = fmt.Errorf("%w: token has no user id", domain.ErrUnauthenticated)
)

// AccessClaims: access-токен сервиса аккаунтов: sub (или id) + role.
type AccessClaims struct {
	jwt.StandardClaims // Issuer, Audience, ExpiresAt, NotBefore, IssuedAt, Subject
	UserID             string `json:"id,omitempty"`
	Role               string `json:"role,omitempty"`
}

// Verifier проверяет токены. Выпуск токенов остаётся задачей внешнего auth-сервиса,
// здесь только HS256-подписант для dev и тестов.
type Verifier struct {
	method    jwt.SigningMethod
	key       any
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

func NewHS256Verifier(secret []byte, issuer, audience string, clockSkew time.Duration) *Verifier {
	return &Verifier{
		method:    jwt.SigningMethodHS256,
		key:       secret,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

func NewRS256Verifier(public *rsa.PublicKey, issuer, audience string, clockSkew time.Duration) *Verifier {
	return &Verifier{
		method:    jwt.SigningMethodRS256,
		key:       public,
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

func (v *Verifier) ParseAndValidate(tokenStr string) (*AccessClaims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}

	// временные клеймы проверяем сами, с допуском clockSkew
	parser := jwt.Parser{SkipClaimsValidation: true}
	claims := &AccessClaims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != v.method.Alg() {
			return nil, ErrInvalidToken
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return nil, ErrInvalidAudience
	}

	now := v.now()
	if claims.ExpiresAt == 0 {
		return nil, ErrTokenExpired
	}
	exp := time.Unix(claims.ExpiresAt, 0).Add(v.clockSkew)
	if now.After(exp) {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != 0 {
		nbf := time.Unix(claims.NotBefore, 0).Add(-v.clockSkew)
		if now.Before(nbf) {
			return nil, ErrTokenExpired
		}
	}

	return claims, nil
}

// Authenticate возвращает userID из валидного токена: sub, иначе клейм id.
func (v *Verifier) Authenticate(tokenStr string) (string, error) {
	claims, err := v.ParseAndValidate(tokenStr)
	if err != nil {
		return "", err
	}
	return UserIDFromClaims(claims)
}

func UserIDFromClaims(claims *AccessClaims) (string, error) {
	if claims == nil {
		return "", ErrInvalidSubject
	}
	if id := strings.TrimSpace(claims.Subject); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(claims.UserID); id != "" {
		return id, nil
	}
	return "", ErrInvalidSubject
}

// SubjectUnverified достаёт userID без проверки подписи. Только для клиента:
// понять, кто «я», по уже выданному токену.
func SubjectUnverified(tokenStr string) (string, error) {
	claims := &AccessClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(strings.TrimSpace(tokenStr), claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return UserIDFromClaims(claims)
}

type HS256Signer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

func NewHS256Signer(secret []byte, issuer, audience string, ttl time.Duration) *HS256Signer {
	return &HS256Signer{secret: secret, issuer: issuer, audience: audience, ttl: ttl}
}

// Sign выпускает JWT с sub=userID и exp=now+ttl
func (s *HS256Signer) Sign(userID, role string, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("sign: empty user id")
	}
	claims := AccessClaims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			Audience:  s.audience,
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(s.ttl).Unix(),
		},
		UserID: userID,
		Role:   role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, err
	}

	return pub, nil
}
