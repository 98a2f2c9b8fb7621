// Package auth issues room tickets: short-lived HS256 tokens handed out on a
// successful join that let a client read a room over the REST API without
// presenting the PIN again.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidTicket = errors.New("invalid ticket")

const issuer = "pinroom"

type Claims struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type Tickets struct {
	secret []byte
	ttl    time.Duration
	nowFn  func() time.Time
}

func NewTickets(secret string, ttl time.Duration) *Tickets {
	return &Tickets{secret: []byte(secret), ttl: ttl, nowFn: time.Now}
}

// Issue signs a ticket for roomID. The subject is the connection id that
// joined.
func (t *Tickets) Issue(roomID, username, connID string) (string, error) {
	now := t.nowFn()
	claims := Claims{
		RoomID:   roomID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   connID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Verify parses a ticket and checks it grants access to roomID.
func (t *Tickets) Verify(tokenString, roomID string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.nowFn),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidTicket
	}
	if claims.RoomID != roomID {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}
