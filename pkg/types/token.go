package types

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Token is a 128-bit time-ordered identifier: 48-bit millisecond timestamp
// followed by 80 random bits. Tokens sort lexicographically by creation time,
// which keeps appended file names listing in write order.
type Token [16]byte

// Crockford's Base32 alphabet (excludes I, L, O, U).
const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// TokenGenerator generates tokens that are monotonic within a millisecond.
type TokenGenerator struct {
	mu         sync.Mutex
	lastMillis uint64
	lastRandom [10]byte
}

// NewTokenGenerator creates a new token generator.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// Generate creates a token for the current time.
func (g *TokenGenerator) Generate() (Token, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a token for the given time. Tokens generated in
// the same millisecond increment the random component so ordering holds.
func (g *TokenGenerator) GenerateWithTime(t time.Time) (Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	millis := uint64(t.UnixMilli())

	var tok Token
	for i := 0; i < 6; i++ {
		tok[i] = byte(millis >> (40 - 8*i))
	}

	if millis == g.lastMillis {
		g.incrementRandom()
	} else {
		if _, err := rand.Read(g.lastRandom[:]); err != nil {
			return Token{}, err
		}
		g.lastMillis = millis
	}
	copy(tok[6:], g.lastRandom[:])

	return tok, nil
}

// incrementRandom advances the random component as a big-endian integer.
func (g *TokenGenerator) incrementRandom() {
	for i := 9; i >= 0; i-- {
		g.lastRandom[i]++
		if g.lastRandom[i] != 0 {
			break
		}
	}
}

// String encodes the token as a 26-character Crockford Base32 string.
func (t Token) String() string {
	var buf [26]byte
	// Treat the 128 bits as a bit stream, high bit first, 5 bits per
	// character; the final group is padded with two zero bits.
	for i := 0; i < 26; i++ {
		var v byte
		for b := 0; b < 5; b++ {
			bit := i*5 + b
			v <<= 1
			if bit < 128 && t[bit/8]&(1<<(7-bit%8)) != 0 {
				v |= 1
			}
		}
		buf[i] = crockfordBase32[v]
	}
	return string(buf[:])
}

// Time returns the token's embedded creation time.
func (t Token) Time() time.Time {
	var millis uint64
	for i := 0; i < 6; i++ {
		millis = millis<<8 | uint64(t[i])
	}
	return time.UnixMilli(int64(millis))
}

// Compare orders two tokens lexicographically.
func (t Token) Compare(other Token) int {
	for i := 0; i < 16; i++ {
		if t[i] < other[i] {
			return -1
		}
		if t[i] > other[i] {
			return 1
		}
	}
	return 0
}

// TokenNamer is the default append-mode file namer. Names combine a
// time-ordered token with a short random UUID fragment. That gives 2^80
// random bits per millisecond plus 32 more from the fragment, so a drawn
// name repeating an existing one is a collision the plan builder detects,
// not an expectation.
type TokenNamer struct {
	gen    *TokenGenerator
	suffix string
}

// NewTokenNamer creates a namer producing names like
// part-01JXX...-d3adbeef.seg.
func NewTokenNamer() *TokenNamer {
	return &TokenNamer{gen: NewTokenGenerator(), suffix: ".seg"}
}

// NextName returns a fresh candidate file name.
func (n *TokenNamer) NextName() string {
	tok, err := n.gen.Generate()
	if err != nil {
		// crypto/rand failure leaves the time prefix plus a UUID, still unique.
		return "part-" + uuid.New().String() + n.suffix
	}
	return "part-" + tok.String() + "-" + uuid.New().String()[:8] + n.suffix
}
