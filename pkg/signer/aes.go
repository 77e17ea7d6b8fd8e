package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/hex"

	"github.com/awnumar/memguard"
	"github.com/pkg/errors"
)

// AES signs requests with the shared-secret scheme: the SHA-1 digest of the
// message is PKCS#7 padded and AES-CBC encrypted under the provisioned key
// and IV. The key lives in a memguard enclave and only materializes in
// memory while a signature is being computed.
type AES struct {
	name string
	key  *memguard.Enclave
	iv   []byte
}

var _ Signer = (*AES)(nil)

// NewAES builds an AES signer. The key must be a valid AES key size and the
// IV one cipher block.
func NewAES(name string, key, iv []byte) (*AES, error) {
	if name == "" {
		return nil, errors.New("signer name must not be empty")
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Errorf("AES signing key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("AES signing IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	// NewEnclave wipes the buffer it is given, so seal a copy and leave
	// the caller's slice alone.
	return &AES{
		name: name,
		key:  memguard.NewEnclave(append([]byte(nil), key...)),
		iv:   append([]byte(nil), iv...),
	}, nil
}

// NewAESFromHex builds an AES signer from hex encoded key material, the form
// it is usually provisioned in.
func NewAESFromHex(name, keyHex, ivHex string) (*AES, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, errors.Wrap(err, "decoding AES signing key")
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, errors.Wrap(err, "decoding AES signing IV")
	}
	return NewAES(name, key, iv)
}

func (s *AES) Name() string {
	return s.name
}

func (s *AES) Sign(msg []byte) ([]byte, error) {
	keyBuffer, err := s.key.Open()
	if err != nil {
		return nil, errors.Wrap(err, "opening signing key enclave")
	}
	defer keyBuffer.Destroy()

	block, err := aes.NewCipher(keyBuffer.Bytes())
	if err != nil {
		return nil, errors.Wrap(err, "initializing signing cipher")
	}

	digest := sha1.Sum(msg)
	padded := pkcs7Pad(digest[:], aes.BlockSize)

	signature := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, s.iv).CryptBlocks(signature, padded)
	return signature, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}
