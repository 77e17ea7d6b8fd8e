// Package keysource defines the contract between the packaging pipeline and
// the components that supply its content encryption keys.
package keysource

import (
	"context"
	"fmt"
	"strings"
)

// TrackType labels the stream variant a key applies to.
type TrackType int

const (
	TrackTypeUnknown TrackType = iota
	TrackTypeSD
	TrackTypeHD
	TrackTypeAudio
)

// AllTrackTypes lists every concrete track type, in wire order.
var AllTrackTypes = []TrackType{TrackTypeSD, TrackTypeHD, TrackTypeAudio}

func (t TrackType) String() string {
	switch t {
	case TrackTypeSD:
		return "SD"
	case TrackTypeHD:
		return "HD"
	case TrackTypeAudio:
		return "AUDIO"
	default:
		return "UNKNOWN"
	}
}

// ParseTrackType converts the wire/config name of a track type back to its
// enum value.
func ParseTrackType(s string) (TrackType, error) {
	switch strings.ToUpper(s) {
	case "SD":
		return TrackTypeSD, nil
	case "HD":
		return TrackTypeHD, nil
	case "AUDIO":
		return TrackTypeAudio, nil
	default:
		return TrackTypeUnknown, fmt.Errorf("%w: unknown track type %q", ErrConfiguration, s)
	}
}

// EncryptionKey is the key material for one track within one crypto period.
type EncryptionKey struct {
	// KeyID identifies the key to players; it ends up in the protection
	// metadata the packager emits.
	KeyID []byte
	Key   []byte
	IV    []byte
	// PSSH is opaque protection system data, carried as received.
	PSSH []byte
}

// Batch holds the keys for every configured track of a single crypto period.
type Batch map[TrackType]EncryptionKey

// Source supplies content keys to the packaging pipeline.
//
// A source serves either non-rotating content through GetKey, where one key
// per track covers the whole presentation, or rotating content through
// GetCryptoPeriodKey, where keys change on crypto period boundaries. Both
// calls may block until key material is available; cancel the context to
// give up.
type Source interface {
	GetKey(ctx context.Context, track TrackType) (EncryptionKey, error)
	GetCryptoPeriodKey(ctx context.Context, index uint32, track TrackType) (EncryptionKey, error)
}
