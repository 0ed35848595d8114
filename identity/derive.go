package identity

import (
	"crypto/hmac"

	sha256 "github.com/minio/sha256-simd"
)

// NodeIDSalt keys the derivation of DHT node IDs from network endpoints.
// Every node must use the same salt or their ID spaces diverge.
var NodeIDSalt = []byte("meshnode-dht-node-id-v2")

// Derive computes HMAC-SHA256(salt, data) and truncates it to size bytes.
//
// DHT node IDs are derived this way from the node's endpoint so that a peer
// cannot place itself at a chosen position in the ID space without also
// controlling a matching address.
func Derive(salt, data []byte, size int) ID {
	mac := hmac.New(sha256.New, salt)
	mac.Write(data)
	sum := mac.Sum(nil)
	return ID{b: string(sum[:size])}
}

// Hash returns SHA-256(data) truncated to size bytes.
func Hash(data []byte, size int) ID {
	sum := sha256.Sum256(data)
	return ID{b: string(sum[:size])}
}
