package widevine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"keyfeed/api"
	"keyfeed/pkg/keysource"
)

// fetchKeys performs one complete key exchange, retrying transient failures
// with exponential backoff. In rotating operation it returns one batch per
// crypto period in [firstIndex, firstIndex+periodCount); otherwise a single
// batch. The returned error is fatal: transient failures only surface here
// once the retry budget is spent, and context cancellation comes back as the
// context's error.
func (s *KeySource) fetchKeys(ctx context.Context, rotation bool, firstIndex uint32) ([]keysource.Batch, error) {
	request, err := s.buildRequest(rotation, firstIndex)
	if err != nil {
		return nil, err
	}
	signed, err := s.signRequest(request)
	if err != nil {
		metricFetches.WithLabelValues("fatal").Inc()
		return nil, err
	}

	var batches []keysource.Batch
	operation := func() error {
		batches, err = s.exchange(ctx, signed, rotation, firstIndex)
		if err != nil {
			if !keysource.Transient(err) {
				metricFetches.WithLabelValues("fatal").Inc()
				return backoff.Permanent(err)
			}
			metricFetches.WithLabelValues("transient").Inc()
			return err
		}
		metricFetches.WithLabelValues("success").Inc()
		return nil
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = s.retryDelay
	backOff.Multiplier = 2
	backOff.MaxInterval = 5 * time.Minute
	backOff.MaxElapsedTime = 0

	err = backoff.RetryNotify(
		operation,
		backoff.WithMaxRetries(backoff.WithContext(backOff, ctx), s.maxRetries),
		func(err error, d time.Duration) {
			s.log.Warnf("retrying in %v after error: %s", d, err)
		},
	)
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// buildRequest serializes the license request for the configured content and
// tracks, adding the crypto period window in rotating operation.
func (s *KeySource) buildRequest(rotation bool, firstIndex uint32) ([]byte, error) {
	request := api.LicenseRequest{
		ContentID: s.cfg.ContentID,
		Policy:    s.cfg.Policy,
		DRMTypes:  []string{api.DRMTypeWidevine},
	}
	for _, track := range s.tracks {
		request.Tracks = append(request.Tracks, api.TrackRequest{Type: track.String()})
	}
	if rotation {
		request.FirstCryptoPeriodIndex = api.Uint32(firstIndex)
		request.CryptoPeriodCount = api.Uint32(s.periodCount)
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("serializing key request: %w", err)
	}
	return data, nil
}

// signRequest wraps request in the signed envelope the service expects.
func (s *KeySource) signRequest(request []byte) ([]byte, error) {
	signature, err := s.cfg.Signer.Sign(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", keysource.ErrSigning, err)
	}

	data, err := json.Marshal(api.SignedRequest{
		Request:   request,
		Signature: signature,
		Signer:    s.cfg.Signer.Name(),
	})
	if err != nil {
		return nil, fmt.Errorf("serializing signed request: %w", err)
	}
	return data, nil
}

// exchange runs one HTTP round trip and decodes the result. Errors are
// tagged with the taxonomy sentinels so the retry policy can tell transient
// from fatal.
func (s *KeySource) exchange(ctx context.Context, signed []byte, rotation bool, firstIndex uint32) ([]keysource.Batch, error) {
	resp, err := s.fetch.Post(ctx, s.cfg.ServerURL, signed)
	if err != nil {
		return nil, fmt.Errorf("%w: posting key request: %w", keysource.ErrTransport, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: HTTP %d", keysource.ErrServerBusy, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: HTTP %d: %s", keysource.ErrRejected, resp.StatusCode, excerpt(resp.Body))
	default:
		return nil, fmt.Errorf("%w: HTTP %d", keysource.ErrTransport, resp.StatusCode)
	}

	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("%w: empty response body", keysource.ErrTransport)
	}

	license, err := decodeResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	switch license.Status {
	case api.StatusOK:
	case api.StatusTransientError:
		return nil, fmt.Errorf("%w: service status %q", keysource.ErrServerBusy, license.Status)
	default:
		return nil, fmt.Errorf("%w: service status %q", keysource.ErrRejected, license.Status)
	}

	return s.extractKeys(rotation, license, firstIndex)
}

// decodeResponse unwraps the response envelope and parses the license.
func decodeResponse(body []byte) (api.License, error) {
	var envelope api.LicenseResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return api.License{}, fmt.Errorf("%w: parsing response envelope: %v", keysource.ErrDecode, err)
	}
	if len(envelope.Response) == 0 {
		return api.License{}, fmt.Errorf("%w: response envelope is empty", keysource.ErrDecode)
	}

	var license api.License
	if err := json.Unmarshal(envelope.Response, &license); err != nil {
		return api.License{}, fmt.Errorf("%w: parsing license: %v", keysource.ErrDecode, err)
	}
	return license, nil
}

// extractKeys turns a successful license into crypto period batches. Every
// configured track must be present, and in rotating operation the service
// must cover exactly the requested period window.
func (s *KeySource) extractKeys(rotation bool, license api.License, firstIndex uint32) ([]keysource.Batch, error) {
	count := 1
	if rotation {
		count = int(s.periodCount)
	}
	batches := make([]keysource.Batch, count)
	for i := range batches {
		batches[i] = make(keysource.Batch, len(s.tracks))
	}

	for _, trackKey := range license.Tracks {
		track, err := keysource.ParseTrackType(trackKey.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected track type %q", keysource.ErrDecode, trackKey.Type)
		}

		slot := 0
		if rotation {
			if trackKey.CryptoPeriodIndex == nil {
				return nil, fmt.Errorf("%w: track %s is missing its crypto period index", keysource.ErrPeriodMismatch, track)
			}
			index := *trackKey.CryptoPeriodIndex
			if index < firstIndex || index >= firstIndex+uint32(count) {
				return nil, fmt.Errorf("%w: got crypto period %d, want [%d, %d)",
					keysource.ErrPeriodMismatch, index, firstIndex, firstIndex+uint32(count))
			}
			slot = int(index - firstIndex)
		}

		if len(trackKey.KeyID) == 0 || len(trackKey.Key) == 0 {
			return nil, fmt.Errorf("%w: track %s has empty key material", keysource.ErrDecode, track)
		}
		batches[slot][track] = keysource.EncryptionKey{
			KeyID: trackKey.KeyID,
			Key:   trackKey.Key,
			IV:    trackKey.IV,
			PSSH:  trackKey.PSSH,
		}
	}

	for i, batch := range batches {
		for _, track := range s.tracks {
			if _, ok := batch[track]; !ok {
				if rotation {
					return nil, fmt.Errorf("%w: track %s is missing from crypto period %d",
						keysource.ErrDecode, track, firstIndex+uint32(i))
				}
				return nil, fmt.Errorf("%w: track %s is missing from the response", keysource.ErrDecode, track)
			}
		}
	}
	return batches, nil
}

// excerpt trims a response body for inclusion in an error message.
func excerpt(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
