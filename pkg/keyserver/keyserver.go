// Package keyserver implements the key service side of the exchange, for
// local development and tests. Key material is derived deterministically
// from the content id, crypto period and track, so repeated runs see stable
// keys.
package keyserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/fatih/color"
	"github.com/tidwall/gjson"

	"keyfeed/api"
	"keyfeed/pkg/signer"
)

// Content ids with canned behaviors, for exercising client error handling.
const (
	// ContentIDAlwaysBusy answers every exchange with the transient
	// service status.
	ContentIDAlwaysBusy = "always-busy"
	// ContentIDBusyOnce answers the first exchange with the transient
	// status and succeeds afterwards.
	ContentIDBusyOnce = "busy-once"
	// ContentIDRejected answers every exchange with a rejection status.
	ContentIDRejected = "rejected"
	// ContentIDGarbage answers with a body that is not a response
	// envelope.
	ContentIDGarbage = "garbage"
	// ContentIDMissingTrack omits the SD track from otherwise successful
	// responses.
	ContentIDMissingTrack = "missing-track"
)

// rejectionStatus is the non-OK, non-transient status served for
// ContentIDRejected.
const rejectionStatus = "DENIED"

// maxCryptoPeriodCount caps the period window a single request may ask for.
const maxCryptoPeriodCount = 100

const maxRequestBodySize = 10 * 1024 * 1024

// derivationSecret seeds the deterministic key material. This server issues
// test keys, not production ones.
var derivationSecret = []byte("keyfeed keyserver v1")

// Server is an http.Handler speaking the key request protocol. The zero
// value is not usable; call New.
type Server struct {
	verifier *signer.AES

	// Verbose turns on colored per-request console output, the mode the
	// serve command runs in.
	Verbose bool

	mu         sync.Mutex
	requests   int
	busyServed map[string]int
}

// New returns a Server. With a non-nil aesKey, request signatures are
// verified against it and the given IV; otherwise signatures are accepted
// unchecked.
func New(aesKey, aesIV []byte) (*Server, error) {
	s := &Server{busyServed: map[string]int{}}
	if aesKey != nil {
		verifier, err := signer.NewAES("verifier", aesKey, aesIV)
		if err != nil {
			return nil, fmt.Errorf("building signature verifier: %w", err)
		}
		s.verifier = verifier
	}
	return s, nil
}

// Requests returns how many exchanges the server has handled, successful or
// not.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()

	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, fmt.Sprintf("expected POST, received %s", r.Method))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "reading request body")
		return
	}

	// Pick the envelope apart leniently first, so malformed requests get
	// a proper rejection instead of a blind 500.
	envelope := gjson.ParseBytes(body)
	requestB64 := envelope.Get("request")
	signatureB64 := envelope.Get("signature")
	signerName := envelope.Get("signer")
	if !requestB64.Exists() || !signatureB64.Exists() || !signerName.Exists() {
		s.writeError(w, r, http.StatusBadRequest, "envelope must carry request, signature and signer")
		return
	}

	requestJSON, err := base64.StdEncoding.DecodeString(requestB64.String())
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "request is not valid base64")
		return
	}

	if s.verifier != nil {
		signature, err := base64.StdEncoding.DecodeString(signatureB64.String())
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "signature is not valid base64")
			return
		}
		expected, err := s.verifier.Sign(requestJSON)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "verifying signature")
			return
		}
		if !hmac.Equal(expected, signature) {
			s.writeError(w, r, http.StatusUnauthorized, fmt.Sprintf("bad signature from signer %q", signerName.String()))
			return
		}
	}

	var request api.LicenseRequest
	if err := json.Unmarshal(requestJSON, &request); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if len(request.Tracks) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "request names no tracks")
		return
	}

	contentID := string(request.ContentID)
	switch contentID {
	case ContentIDAlwaysBusy:
		s.writeLicense(w, r, api.License{Status: api.StatusTransientError})
		return
	case ContentIDBusyOnce:
		s.mu.Lock()
		served := s.busyServed[contentID]
		s.busyServed[contentID]++
		s.mu.Unlock()
		if served == 0 {
			s.writeLicense(w, r, api.License{Status: api.StatusTransientError})
			return
		}
	case ContentIDRejected:
		s.writeLicense(w, r, api.License{Status: rejectionStatus})
		return
	case ContentIDGarbage:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{"))
		return
	}

	license, status, errMsg := s.issueLicense(request)
	if errMsg != "" {
		s.writeError(w, r, status, errMsg)
		return
	}
	s.writeLicense(w, r, license)
}

// issueLicense derives keys for every requested track, per crypto period
// when the request asks for rotation.
func (s *Server) issueLicense(request api.LicenseRequest) (api.License, int, string) {
	rotation := request.FirstCryptoPeriodIndex != nil || request.CryptoPeriodCount != nil
	first := uint32(0)
	count := uint32(1)
	if rotation {
		if request.FirstCryptoPeriodIndex == nil || request.CryptoPeriodCount == nil {
			return api.License{}, http.StatusBadRequest, "rotation needs both first_crypto_period_index and crypto_period_count"
		}
		first = *request.FirstCryptoPeriodIndex
		count = *request.CryptoPeriodCount
		if count == 0 || count > maxCryptoPeriodCount {
			return api.License{}, http.StatusBadRequest, fmt.Sprintf("crypto_period_count must be in [1, %d]", maxCryptoPeriodCount)
		}
	}

	license := api.License{Status: api.StatusOK}
	for period := first; period < first+count; period++ {
		for _, track := range request.Tracks {
			if string(request.ContentID) == ContentIDMissingTrack && track.Type == "SD" {
				continue
			}
			key := api.TrackKey{
				Type:  track.Type,
				KeyID: derive(request.ContentID, "key_id", period, track.Type),
				Key:   derive(request.ContentID, "key", period, track.Type),
				IV:    derive(request.ContentID, "iv", period, track.Type),
			}
			if rotation {
				key.CryptoPeriodIndex = api.Uint32(period)
			}
			license.Tracks = append(license.Tracks, key)
		}
	}
	return license, http.StatusOK, ""
}

func (s *Server) writeLicense(w http.ResponseWriter, r *http.Request, license api.License) {
	licenseJSON, err := json.Marshal(license)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "serializing license")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(api.LicenseResponse{Response: licenseJSON}); err != nil {
		return
	}

	if s.Verbose {
		color.Green("-- %s %s -> %q with %d track keys", r.Method, r.URL.Path, license.Status, len(license.Tracks))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})

	if s.Verbose {
		color.Yellow("-- %s %s -> %d: %s", r.Method, r.URL.Path, status, msg)
	}
}

// derive produces stable 16 byte key material for the tuple.
func derive(contentID []byte, label string, period uint32, track string) []byte {
	mac := hmac.New(sha256.New, derivationSecret)
	fmt.Fprintf(mac, "%s|%s|%d|%s", contentID, label, period, track)
	return mac.Sum(nil)[:16]
}
