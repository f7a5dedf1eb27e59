package protocol

import (
	"fmt"
	"math"
	"math/big"
)

// MaxTargetHex is Bitcoin's difficulty-1 target, 0x00000000FFFF... in
// 256-bit big-endian form.
const MaxTargetHex = "00000000ffff0000000000000000000000000000000000000000000000000000"

// MaxTarget is parsed once at init time from MaxTargetHex.
var MaxTarget = mustParseMaxTarget()

func mustParseMaxTarget() *big.Int {
	t, ok := new(big.Int).SetString(MaxTargetHex, 16)
	if !ok {
		panic("protocol: invalid MaxTargetHex literal")
	}
	return t
}

// diffScale allows fractional difficulties (e.g. the 1e-6 starting
// difficulty many small miners request) without losing precision: a
// Difficulty is stored as an integer numerator over this fixed denominator.
const diffScale = 1_000_000

// DifficultyToTarget converts a pool difficulty to a 256-bit target:
// target = floor(MAX_TARGET / difficulty). Difficulty is expressed as a
// float64 but the division itself is done with arbitrary precision so the
// result is exact for any representable ratio.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}

	num := new(big.Int).Mul(MaxTarget, big.NewInt(diffScale))
	den := big.NewInt(int64(math.Round(difficulty * diffScale)))
	if den.Sign() <= 0 {
		den = big.NewInt(1)
	}

	return new(big.Int).Div(num, den)
}

// TargetToDifficulty converts a 256-bit target back to a difficulty:
// difficulty = MAX_TARGET / target.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return math.Inf(1)
	}

	quotient := new(big.Rat).SetFrac(MaxTarget, target)
	f, _ := quotient.Float64()
	return f
}

// CompactToTarget expands an nbits compact representation into a 256-bit
// target, mirroring Bitcoin Core's arith_uint256::SetCompact.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := int64(bits & 0x007fffff)
	negative := bits&0x00800000 != 0

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(mantissa >> (8 * (3 - exponent)))
	} else {
		target = new(big.Int).Lsh(big.NewInt(mantissa), 8*(uint(exponent)-3))
	}
	if negative && mantissa != 0 {
		target.Neg(target)
	}
	return target
}

// TargetToCompact packs a 256-bit target into its nbits representation.
func TargetToCompact(target *big.Int) uint32 {
	bytes := target.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		var padded [3]byte
		copy(padded[3-size:], bytes)
		compact = uint32(padded[0])<<16 | uint32(padded[1])<<8 | uint32(padded[2])
	} else {
		compact = uint32(bytes[0])<<16 | uint32(bytes[1])<<8 | uint32(bytes[2])
	}

	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	return compact
}

// HashToInt interprets a 32-byte double-SHA256 header hash as a big-endian
// integer after reversing it from its little-endian wire order.
func HashToInt(hash [32]byte) *big.Int {
	reversed := make([]byte, 32)
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}
	return new(big.Int).SetBytes(reversed)
}

// ShareDifficulty computes share_diff = MAX_TARGET / hash_as_integer.
func ShareDifficulty(hash [32]byte) float64 {
	return TargetToDifficulty(HashToInt(hash))
}

// MeetsTarget reports whether a header hash satisfies a target: hash <= target.
func MeetsTarget(hash [32]byte, target *big.Int) bool {
	return HashToInt(hash).Cmp(target) <= 0
}

// FormatTarget renders a target as a zero-padded 64-hex-digit string.
func FormatTarget(target *big.Int) string {
	return fmt.Sprintf("%064x", target)
}
