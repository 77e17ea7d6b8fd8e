// Package signer produces the signatures the key service uses to
// authenticate key requests.
package signer

// Signer signs serialized key requests. Implementations must be safe for
// concurrent use.
type Signer interface {
	// Name is the signer identity provisioned with the key service; it is
	// sent alongside every signature.
	Name() string
	// Sign returns the signature for msg.
	Sign(msg []byte) ([]byte, error)
}
