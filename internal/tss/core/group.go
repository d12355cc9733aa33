// Package core holds the domain separation tags shared by every BLS
// signature in the quorum. Signing and verifying under the wrong tag fails.
package core

// Domain separation tags. Each signed message kind gets its own tag so a
// signature over one kind can never be replayed as another.
const (
	DSTMint  = "AEQUA/QUORUM/v1/MINT"  // mint threshold signature over DBC content
	DSTSpent = "AEQUA/QUORUM/v1/SPENT" // spentbook threshold signature over a spend
	DSTOwner = "AEQUA/QUORUM/v1/OWNER" // owner signature over a transaction digest
)

// IsValidDST reports whether dst is one of the tags above.
func IsValidDST(dst string) bool {
	return dst == DSTMint || dst == DSTSpent || dst == DSTOwner
}
