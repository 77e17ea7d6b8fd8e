package api

// DRMTypeWidevine identifies the DRM system keys are requested for.
const DRMTypeWidevine = "WIDEVINE"

// License response status values. Any value other than StatusOK and
// StatusTransientError is a permanent rejection of the request.
const (
	StatusOK = "OK"
	// StatusTransientError means the service is temporarily unable to
	// answer and the same request may be retried.
	StatusTransientError = "INTERNAL_ERROR"
)

// TrackRequest names one track the caller wants keys for.
type TrackRequest struct {
	Type string `json:"type"`
}

// LicenseRequest is the request body for a key exchange. Byte slice fields
// are carried as standard base64 by encoding/json.
type LicenseRequest struct {
	ContentID []byte         `json:"content_id"`
	Policy    string         `json:"policy"`
	DRMTypes  []string       `json:"drm_types"`
	Tracks    []TrackRequest `json:"tracks"`

	// Present only when key rotation is enabled.
	FirstCryptoPeriodIndex *uint32 `json:"first_crypto_period_index,omitempty"`
	CryptoPeriodCount      *uint32 `json:"crypto_period_count,omitempty"`
}

// SignedRequest is the envelope POSTed to the key service: the serialized
// LicenseRequest plus a signature produced by the named signer.
type SignedRequest struct {
	Request   []byte `json:"request"`
	Signature []byte `json:"signature"`
	Signer    string `json:"signer"`
}

// LicenseResponse is the envelope around a serialized License.
type LicenseResponse struct {
	Response []byte `json:"response"`
}

// TrackKey carries the key material issued for one track and, when key
// rotation is in effect, the crypto period it belongs to.
type TrackKey struct {
	Type  string `json:"type"`
	KeyID []byte `json:"key_id"`
	Key   []byte `json:"key"`
	IV    []byte `json:"iv,omitempty"`
	PSSH  []byte `json:"pssh,omitempty"`

	CryptoPeriodIndex *uint32 `json:"crypto_period_index,omitempty"`
}

// License is the decoded body of a key service response.
type License struct {
	Status string     `json:"status"`
	Tracks []TrackKey `json:"tracks"`
}

// Uint32 returns a pointer to v, for the optional rotation fields.
func Uint32(v uint32) *uint32 {
	return &v
}
