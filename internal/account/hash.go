package account

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// hashIterations is the fixed iteration count for the account_id
// derivation. Re-hashing a fixed number of times (rather than once)
// raises the cost of a brute-force pass over a leaked user_id list
// without needing a tunable, stateful KDF — the id is derived once at
// account creation and never needs to be re-verified interactively.
const hashIterations = 5000

// domainAccountID separates this hash's input space from any other
// use of SHA3-512 in the service, the same null-byte domain
// separation idiom the teacher uses in internal/ir/hash.go's
// hashWithDomain (there for SHA-256 content addressing, here for
// SHA3-512 identity derivation).
const domainAccountID = "kpnc/account-id/v1"

// HashUserID derives a deterministic, one-way 128-hex-character
// account_id from a supplied user_id (spec.md §3: "account_id derives
// from the supplied user_id by a fixed-iteration SHA3-512, one-way,
// deterministic").
func HashUserID(userID string) string {
	sum := sha3.Sum512(append([]byte(domainAccountID+"\x00"), userID...))
	for i := 0; i < hashIterations-1; i++ {
		sum = sha3.Sum512(sum[:])
	}
	return hex.EncodeToString(sum[:])
}
