package keysource

import (
	"context"
	"fmt"
)

// Fixed is a Source backed by key material supplied at construction, for
// setups where keys are provisioned out of band. Every track receives the
// same key, and rotating consumers receive it for every crypto period.
type Fixed struct {
	key EncryptionKey
}

var _ Source = (*Fixed)(nil)

// NewFixed builds a Fixed source from raw key material. The byte slices are
// copied. The IV and PSSH may be empty.
func NewFixed(keyID, key, iv, pssh []byte) (*Fixed, error) {
	if len(keyID) == 0 {
		return nil, fmt.Errorf("%w: key id must not be empty", ErrConfiguration)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: key must not be empty", ErrConfiguration)
	}
	return &Fixed{
		key: EncryptionKey{
			KeyID: append([]byte(nil), keyID...),
			Key:   append([]byte(nil), key...),
			IV:    append([]byte(nil), iv...),
			PSSH:  append([]byte(nil), pssh...),
		},
	}, nil
}

func (f *Fixed) GetKey(ctx context.Context, track TrackType) (EncryptionKey, error) {
	return f.key, nil
}

// GetCryptoPeriodKey returns the fixed key regardless of crypto period, so
// rotating pipelines can run against fixed key material.
func (f *Fixed) GetCryptoPeriodKey(ctx context.Context, index uint32, track TrackType) (EncryptionKey, error) {
	return f.GetKey(ctx, track)
}
