// Package keygen produces the short pairing codes users type on the
// uploading device.
package keygen

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// DefaultAlphabet leaves out glyphs that are easy to confuse on an
// e-ink screen (0/O, 1/I/L, 5/S, 7, B/8, D, J, Q, U/V, W).
const (
	DefaultAlphabet = "234689ACEFGHKLMNPRTXYZ"
	DefaultLength   = 4
)

// Generator draws codes uniformly from alphabet^length. It keeps no
// state about codes in use; callers retry on collision.
type Generator struct {
	alphabet string
	length   int
	keyspace int

	mu  sync.Mutex // guards rnd, which is not safe for concurrent use
	rnd *rand.Rand
}

// New returns a Generator over the given alphabet. A nil src uses the
// runtime's global source.
func New(alphabet string, length int, src rand.Source) (*Generator, error) {
	alphabet = strings.ToUpper(alphabet)
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("alphabet needs at least 2 symbols, got %d", len(alphabet))
	}
	if length < 1 {
		return nil, fmt.Errorf("invalid key length: %d", length)
	}
	seen := make(map[rune]bool, len(alphabet))
	for _, r := range alphabet {
		if r > 127 {
			return nil, fmt.Errorf("alphabet must be ASCII, got %q", r)
		}
		if seen[r] {
			return nil, fmt.Errorf("duplicate symbol %q in alphabet", r)
		}
		seen[r] = true
	}

	keyspace := 1
	for i := 0; i < length; i++ {
		keyspace *= len(alphabet)
		if keyspace > 1<<40 {
			return nil, fmt.Errorf("keyspace %s^%d is too large", alphabet, length)
		}
	}

	g := &Generator{alphabet: alphabet, length: length, keyspace: keyspace}
	if src != nil {
		g.rnd = rand.New(src)
	}
	return g, nil
}

// Generate returns a random candidate code.
func (g *Generator) Generate() string {
	if g.rnd == nil {
		return g.KeyAt(rand.IntN(g.keyspace))
	}
	g.mu.Lock()
	n := g.rnd.IntN(g.keyspace)
	g.mu.Unlock()
	return g.KeyAt(n)
}

// KeyAt renders n as a fixed-width code, most significant symbol first.
// n is taken modulo the keyspace.
func (g *Generator) KeyAt(n int) string {
	n %= g.keyspace
	if n < 0 {
		n += g.keyspace
	}

	base := len(g.alphabet)
	buf := make([]byte, g.length)
	for i := g.length - 1; i >= 0; i-- {
		buf[i] = g.alphabet[n%base]
		n /= base
	}
	return string(buf)
}

// Keyspace is the number of distinct codes.
func (g *Generator) Keyspace() int { return g.keyspace }

// Valid reports whether key, after normalization, could have been
// produced by g.
func (g *Generator) Valid(key string) bool {
	key = Normalize(key)
	if len(key) != g.length {
		return false
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(g.alphabet, key[i]) < 0 {
			return false
		}
	}
	return true
}

// Normalize makes codes case-insensitive.
func Normalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}
