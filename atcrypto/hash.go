package atcrypto

import "crypto/sha256"

func sha256sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
