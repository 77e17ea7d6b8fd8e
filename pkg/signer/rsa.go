package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// RSA signs requests with RSA-PSS over the SHA-1 digest of the message,
// using a salt the length of the digest, which is the scheme the key service
// verifies.
type RSA struct {
	name string
	key  *rsa.PrivateKey
}

var _ Signer = (*RSA)(nil)

// NewRSA builds an RSA signer from an already parsed private key.
func NewRSA(name string, key *rsa.PrivateKey) (*RSA, error) {
	if name == "" {
		return nil, errors.New("signer name must not be empty")
	}
	if key == nil {
		return nil, errors.New("RSA signing key must not be nil")
	}
	return &RSA{name: name, key: key}, nil
}

// NewRSAFromPEM builds an RSA signer from a PEM encoded PKCS#1 or PKCS#8
// private key.
func NewRSAFromPEM(name string, pemData []byte) (*RSA, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in RSA signing key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, pkcs8Err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if pkcs8Err != nil {
			return nil, errors.Wrap(err, "parsing RSA signing key")
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("PEM block does not contain an RSA private key")
		}
		key = rsaKey
	}
	return NewRSA(name, key)
}

func (s *RSA) Name() string {
	return s.name
}

func (s *RSA) Sign(msg []byte) ([]byte, error) {
	digest := sha1.Sum(msg)
	signature, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA1, digest[:], &rsa.PSSOptions{
		SaltLength: sha1.Size,
	})
	if err != nil {
		return nil, errors.Wrap(err, "computing PSS signature")
	}
	return signature, nil
}
