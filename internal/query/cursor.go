package query

import (
	"crypto/rand"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const (
	kindSearch = "search"
	kindList   = "list"
)

// RankKey is the position of an item in a ranked result
type RankKey struct {
	Rating int     `json:"r"`
	Score  float64 `json:"s"`
	Number int     `json:"n"`
	Link   string  `json:"l"`
}

// Cursor is the decoded form of a pagination token: the version it pins,
// which request produced it, and the last item already returned.
// Cursors carry no expiry; they go stale when their version is pruned.
type Cursor struct {
	jwt.RegisteredClaims
	Version int64   `json:"v"`
	Kind    string  `json:"k"`
	Digest  string  `json:"d"`
	After   RankKey `json:"a"`
}

// Codec signs and verifies cursor tokens as HS256 JWTs
type Codec struct {
	secret []byte
	parser *jwt.Parser
}

// NewCodec creates a codec; an empty secret gets a random per-process key,
// which invalidates outstanding cursors on restart
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate cursor secret: %w", err)
		}
	}
	return &Codec{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

func (c *Codec) Encode(cur Cursor) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cur).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return token, nil
}

func (c *Codec) Decode(token string) (Cursor, error) {
	cur := &Cursor{}
	_, err := c.parser.ParseWithClaims(token, cur, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cur.Version <= 0 || (cur.Kind != kindSearch && cur.Kind != kindList) {
		return Cursor{}, fmt.Errorf("%w: bad payload", ErrInvalidCursor)
	}
	return *cur, nil
}
