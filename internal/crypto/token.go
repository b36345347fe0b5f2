// Package crypto implements robot token hashing, encoding and entropy checks.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"math"
	"math/big"
	"strings"
)

// Entropy thresholds a flat token must exceed to be accepted by coordinators.
const (
	minBitsEntropy    = 128
	minShannonEntropy = 4
)

const (
	base62Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	base91Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!#$%&()*+,./:;<=>?@[]^_`{|}~\""
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// TokenSHA256 returns the credential coordinators authenticate a robot with:
// basE91 of SHA-256(token).
func TokenSHA256(token string) string {
	sum := sha256.Sum256([]byte(token))
	return EncodeBase91(sum[:])
}

// EncodeBase91 encodes b with the basE91 alphabet.
func EncodeBase91(b []byte) string {
	var (
		out   strings.Builder
		queue uint32
		nbits uint
	)
	for _, c := range b {
		queue |= uint32(c) << nbits
		nbits += 8
		if nbits > 13 {
			v := queue & 8191
			if v > 88 {
				queue >>= 13
				nbits -= 13
			} else {
				v = queue & 16383
				queue >>= 14
				nbits -= 14
			}
			out.WriteByte(base91Alphabet[v%91])
			out.WriteByte(base91Alphabet[v/91])
		}
	}
	if nbits > 0 {
		out.WriteByte(base91Alphabet[queue%91])
		if nbits > 7 || queue > 90 {
			out.WriteByte(base91Alphabet[queue/91])
		}
	}
	return out.String()
}

// EncodeBase62Fixed encodes b as a big-endian base62 number of exactly width chars,
// keeping the least significant digits and left-padding with 'A'.
func EncodeBase62Fixed(b []byte, width int) string {
	num := new(big.Int).SetBytes(b)
	base := big.NewInt(62)
	mod := new(big.Int)
	digits := make([]byte, 0, width)
	for num.Sign() > 0 && len(digits) < width {
		num.DivMod(num, base, mod)
		digits = append(digits, base62Alphabet[mod.Int64()])
	}
	for len(digits) < width {
		digits = append(digits, 'A')
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// GenerateToken returns a random base62 token of the given length.
func GenerateToken(length int) (string, error) {
	out := make([]byte, 0, length)
	for len(out) < length {
		raw, err := RandBytes(length)
		if err != nil {
			return "", err
		}
		for _, c := range raw {
			// 248 = 4*62; rejecting the tail keeps the alphabet uniform
			if c < 248 && len(out) < length {
				out = append(out, base62Alphabet[int(c)%len(base62Alphabet)])
			}
		}
	}
	return string(out), nil
}

// TokenEntropy reports the entropy estimates of a flat token.
type TokenEntropy struct {
	HasEnough      bool
	BitsEntropy    float64
	ShannonEntropy float64
}

// ValidateTokenEntropy estimates token strength the way coordinators do.
func ValidateTokenEntropy(token string) TokenEntropy {
	if token == "" {
		return TokenEntropy{}
	}
	counts := map[rune]int{}
	n := 0
	for _, r := range token {
		counts[r]++
		n++
	}
	var shannon float64
	for _, c := range counts {
		p := float64(c) / float64(n)
		shannon -= p * math.Log2(p)
	}
	bits := float64(n) * math.Log2(float64(len(counts)))
	return TokenEntropy{
		HasEnough:      bits > minBitsEntropy && shannon > minShannonEntropy,
		BitsEntropy:    bits,
		ShannonEntropy: shannon,
	}
}
