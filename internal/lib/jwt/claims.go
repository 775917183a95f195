package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims описывает данные пользователя, хранящиеся в JWT.
type CustomClaims struct {
	UserID               string `json:"uid"`
	Email                string `json:"email"`
	jwt.RegisteredClaims
}

// GenerateToken создает JWT токен для пользователя, подписывая его секретным ключом.
func (j *MakerImpl) GenerateToken(userID, email string) (string, error) {
	now := time.Now()
	claims := CustomClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(j.secretKey))
}

// ParseToken парсит JWT токен, проверяет подпись и срок действия.
func (j *MakerImpl) ParseToken(tokenStr string) (*CustomClaims, error) {
	const op = "jwt.ParseToken"
	token, err := jwt.ParseWithClaims(tokenStr, &CustomClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(j.secretKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: invalid token", op)
	}
	return claims, nil
}

// ErrNotJWT возвращается, если токен не является JWT (непрозрачный токен).
var ErrNotJWT = errors.New("token is not a jwt")

// ExpiresAt читает exp без проверки подписи. Клиент не знает секрета,
// поэтому подпись проверяет только сервер.
func ExpiresAt(tokenStr string) (time.Time, bool, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %w", ErrNotJWT, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false, nil
	}
	return claims.ExpiresAt.Time, true, nil
}

// ExpiryChecker проверяет срок действия сохранённого токена.
type ExpiryChecker struct {
	Now func() time.Time
}

// Expired сообщает, что токен является JWT с истёкшим exp.
// Непрозрачные токены и токены без exp считаются действующими:
// их валидность проверит сервер при первом запросе.
func (c ExpiryChecker) Expired(tokenStr string) bool {
	exp, ok, err := ExpiresAt(tokenStr)
	if err != nil || !ok {
		return false
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return !now().Before(exp)
}
