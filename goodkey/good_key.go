// Package goodkey screens public keys supplied by certificate subscribers
// before the issuer will sign over them.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/titanous/rocacheck"
)

// To generate, run: primes 2 752 | tr '\n' ,
var smallPrimeInts = []int64{
	2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61, 67,
	71, 73, 79, 83, 89, 97, 101, 103, 107, 109, 113, 127, 131, 137, 139,
	149, 151, 157, 163, 167, 173, 179, 181, 191, 193, 197, 199, 211, 223,
	227, 229, 233, 239, 241, 251, 257, 263, 269, 271, 277, 281, 283, 293,
	307, 311, 313, 317, 331, 337, 347, 349, 353, 359, 367, 373, 379, 383,
	389, 397, 401, 409, 419, 421, 431, 433, 439, 443, 449, 457, 461, 463,
	467, 479, 487, 491, 499, 503, 509, 521, 523, 541, 547, 557, 563, 569,
	571, 577, 587, 593, 599, 601, 607, 613, 617, 619, 631, 641, 643, 647,
	653, 659, 661, 673, 677, 683, 691, 701, 709, 719, 727, 733, 739, 743,
	751,
}

var smallPrimes []*big.Int

func init() {
	for _, n := range smallPrimeInts {
		smallPrimes = append(smallPrimes, big.NewInt(n))
	}
}

// KeyPolicy determines which types of key may be used with various
// operations.
type KeyPolicy struct {
	AllowRSA   bool
	AllowECDSA bool
}

// NewKeyPolicy returns a KeyPolicy that allows both supported key families.
func NewKeyPolicy() KeyPolicy {
	return KeyPolicy{AllowRSA: true, AllowECDSA: true}
}

// GoodKey returns nil if the key is acceptable for signing over, and an
// explanatory error otherwise.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch t := key.(type) {
	case *rsa.PublicKey:
		return policy.goodKeyRSA(t)
	case *ecdsa.PublicKey:
		return policy.goodKeyECDSA(t)
	default:
		return fmt.Errorf("unknown key type %T", key)
	}
}

func (policy *KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	if !policy.AllowECDSA {
		return fmt.Errorf("ECDSA keys are not allowed")
	}
	switch key.Curve {
	case elliptic.P256(), elliptic.P384():
		return nil
	}
	return fmt.Errorf("ECDSA curve %s not allowed", key.Curve.Params().Name)
}

func (policy *KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	if !policy.AllowRSA {
		return fmt.Errorf("RSA keys are not allowed")
	}

	modulus := key.N
	modulusBitLen := modulus.BitLen()
	const maxKeySize = 4096
	if modulusBitLen < 2048 {
		return fmt.Errorf("key too small: %d", modulusBitLen)
	}
	if modulusBitLen > maxKeySize {
		return fmt.Errorf("key too large: %d > %d", modulusBitLen, maxKeySize)
	}
	// The CA SHALL confirm that the value of the public exponent is an
	// odd number equal to 3 or more.
	if key.E%2 == 0 {
		return fmt.Errorf("key exponent must be odd")
	}
	if key.E < 3 {
		return fmt.Errorf("key exponent too small")
	}
	// The modulus SHALL also have the following characteristics: an odd
	// number, not the power of a prime, and have no factors smaller than 752.
	if modulus.Bit(0) == 0 {
		return fmt.Errorf("key modulus must be odd")
	}
	tmp := new(big.Int)
	for _, prime := range smallPrimes {
		tmp.Mod(modulus, prime)
		if tmp.Sign() == 0 {
			return fmt.Errorf("key divisible by small prime %d", prime)
		}
	}
	if rocacheck.IsWeak(key) {
		return fmt.Errorf("key generated by vulnerable Infineon-based hardware")
	}

	return nil
}
