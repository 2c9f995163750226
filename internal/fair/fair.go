// Package fair commits to each round's outcome before betting opens and lets
// anyone verify it afterwards.
//
// Derivation, published for operators and auditors: the first 52 bits of
// HMAC-SHA256(serverSeed, clientSeed + ":" + nonce) are read as an unsigned
// integer X. With house edge h (basis points) the crash multiplier in
// hundredths is
//
//	max(100, floor((10000 - h) * 100 * 2^52 / (10000 * (2^52 - X))))
//
// so a round paying at least m occurs with probability (1-h)/m. The server
// seed hash (SHA-256 of the seed) is public from round creation; the seed
// itself is revealed after the round ends plus a grace period.
package fair

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"crashout/internal/apperr"
	"crashout/internal/money"
)

const (
	// MaxMultiplier caps the derived crash point.
	MaxMultiplier money.Multiplier = 100000000 // 1,000,000.00x

	fractionBits = 52
)

// Commit is the per-round output of the oracle. ServerSeed stays private
// until reveal; ServerSeedHash is public from creation.
type Commit struct {
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
	CrashPoint     money.Multiplier
}

// Oracle produces the committed outcome for each round.
type Oracle interface {
	NextRound(nonce int64) (Commit, error)
}

// RandomOracle draws seeds from crypto/rand.
type RandomOracle struct {
	HouseEdgeBasisPoints int64
}

func NewOracle(houseEdgeBasisPoints int64) *RandomOracle {
	return &RandomOracle{HouseEdgeBasisPoints: houseEdgeBasisPoints}
}

// NextRound generates fresh seed material and derives the crash point.
// Randomness acquisition failure refuses the round rather than degrading.
func (o *RandomOracle) NextRound(nonce int64) (Commit, error) {
	serverSeed, err := GenerateSeed()
	if err != nil {
		return Commit{}, apperr.Wrap(apperr.FailedPrecondition, "randomness unavailable", err)
	}
	clientSeed, err := GenerateSeed()
	if err != nil {
		return Commit{}, apperr.Wrap(apperr.FailedPrecondition, "randomness unavailable", err)
	}

	return Commit{
		ServerSeed:     serverSeed,
		ServerSeedHash: SeedHash(serverSeed),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		CrashPoint:     DeriveCrashPoint(serverSeed, clientSeed, nonce, o.HouseEdgeBasisPoints),
	}, nil
}

// GenerateSeed returns 256 bits of hex-encoded randomness.
func GenerateSeed() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SeedHash is the public commitment for a server seed.
func SeedHash(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// DeriveCrashPoint maps committed seeds to the round's crash multiplier.
// Deterministic: re-running it with the revealed seed reproduces the stored
// crash point.
func DeriveCrashPoint(serverSeed, clientSeed string, nonce, houseEdgeBasisPoints int64) money.Multiplier {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	fmt.Fprintf(mac, "%s:%d", clientSeed, nonce)
	digest := mac.Sum(nil)

	// First 52 bits of the digest.
	x := new(big.Int).SetBytes(digest[:7])
	x.Rsh(x, 7*8-fractionBits)

	two52 := new(big.Int).Lsh(big.NewInt(1), fractionBits)

	// hundredths = (10000-h) * 100 * 2^52 / (10000 * (2^52 - X))
	num := new(big.Int).Sub(big.NewInt(10000), big.NewInt(houseEdgeBasisPoints))
	num.Mul(num, big.NewInt(100))
	num.Mul(num, two52)

	den := new(big.Int).Sub(two52, x)
	den.Mul(den, big.NewInt(10000))

	hundredths := new(big.Int).Div(num, den)

	result := money.Multiplier(hundredths.Int64())
	if !hundredths.IsInt64() || result > MaxMultiplier {
		result = MaxMultiplier
	}
	if result < money.BaseMultiplier {
		result = money.BaseMultiplier
	}
	return result
}

// Verify recomputes the commitment chain for a revealed round.
func Verify(serverSeed, serverSeedHash, clientSeed string, nonce, houseEdgeBasisPoints int64, crashPoint money.Multiplier) bool {
	if SeedHash(serverSeed) != serverSeedHash {
		return false
	}
	return DeriveCrashPoint(serverSeed, clientSeed, nonce, houseEdgeBasisPoints) == crashPoint
}
