package keyserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfeed/api"
	"keyfeed/pkg/keyserver"
	"keyfeed/pkg/signer"
)

var (
	testAESKey = []byte("0123456789abcdef0123456789abcdef")
	testAESIV  = []byte("fedcba9876543210")
)

func newServer(t *testing.T) (*keyserver.Server, *httptest.Server) {
	t.Helper()
	server, err := keyserver.New(testAESKey, testAESIV)
	require.NoError(t, err)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)
	return server, srv
}

func staticRequest(contentID string, tracks ...string) api.LicenseRequest {
	request := api.LicenseRequest{
		ContentID: []byte(contentID),
		DRMTypes:  []string{api.DRMTypeWidevine},
	}
	for _, track := range tracks {
		request.Tracks = append(request.Tracks, api.TrackRequest{Type: track})
	}
	return request
}

// signedRequest wraps request in an envelope signed with the test AES
// credentials, the way a client would.
func signedRequest(t *testing.T, request api.LicenseRequest) []byte {
	t.Helper()
	requestJSON, err := json.Marshal(request)
	require.NoError(t, err)
	aes, err := signer.NewAES("test", testAESKey, testAESIV)
	require.NoError(t, err)
	signature, err := aes.Sign(requestJSON)
	require.NoError(t, err)
	envelope, err := json.Marshal(api.SignedRequest{
		Request:   requestJSON,
		Signature: signature,
		Signer:    "test",
	})
	require.NoError(t, err)
	return envelope
}

func post(t *testing.T, url string, body []byte) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decodeLicense(t *testing.T, body []byte) api.License {
	t.Helper()
	var envelope api.LicenseResponse
	require.NoError(t, json.Unmarshal(body, &envelope))
	var license api.License
	require.NoError(t, json.Unmarshal(envelope.Response, &license))
	return license
}

func TestIssuesDeterministicKeys(t *testing.T) {
	_, srv := newServer(t)
	body := signedRequest(t, staticRequest("film-42", "SD", "HD", "AUDIO"))

	status, data := post(t, srv.URL, body)
	require.Equal(t, http.StatusOK, status)
	license := decodeLicense(t, data)
	require.Equal(t, api.StatusOK, license.Status)
	require.Len(t, license.Tracks, 3)

	byType := map[string]api.TrackKey{}
	for _, track := range license.Tracks {
		assert.Len(t, track.KeyID, 16)
		assert.Len(t, track.Key, 16)
		assert.Len(t, track.IV, 16)
		assert.Nil(t, track.CryptoPeriodIndex)
		byType[track.Type] = track
	}
	require.Len(t, byType, 3)
	assert.NotEqual(t, byType["SD"].Key, byType["HD"].Key)
	assert.NotEqual(t, byType["SD"].KeyID, byType["SD"].Key)

	// Same request, same keys.
	status, data = post(t, srv.URL, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, license, decodeLicense(t, data))

	// Different content, different keys.
	status, data = post(t, srv.URL, signedRequest(t, staticRequest("film-43", "SD", "HD", "AUDIO")))
	require.Equal(t, http.StatusOK, status)
	other := decodeLicense(t, data)
	require.Len(t, other.Tracks, 3)
	assert.NotEqual(t, license.Tracks[0].Key, other.Tracks[0].Key)
}

func TestRotationCoversRequestedWindow(t *testing.T) {
	_, srv := newServer(t)
	request := staticRequest("series-7", "SD")
	request.FirstCryptoPeriodIndex = api.Uint32(5)
	request.CryptoPeriodCount = api.Uint32(3)

	status, data := post(t, srv.URL, signedRequest(t, request))
	require.Equal(t, http.StatusOK, status)
	license := decodeLicense(t, data)
	require.Equal(t, api.StatusOK, license.Status)
	require.Len(t, license.Tracks, 3)

	for i, track := range license.Tracks {
		assert.Equal(t, "SD", track.Type)
		require.NotNil(t, track.CryptoPeriodIndex)
		assert.Equal(t, uint32(5+i), *track.CryptoPeriodIndex)
	}
	assert.NotEqual(t, license.Tracks[0].Key, license.Tracks[1].Key, "keys must differ between crypto periods")
}

func TestRotationFieldValidation(t *testing.T) {
	_, srv := newServer(t)

	half := staticRequest("series-7", "SD")
	half.FirstCryptoPeriodIndex = api.Uint32(5)
	status, _ := post(t, srv.URL, signedRequest(t, half))
	assert.Equal(t, http.StatusBadRequest, status)

	zero := staticRequest("series-7", "SD")
	zero.FirstCryptoPeriodIndex = api.Uint32(5)
	zero.CryptoPeriodCount = api.Uint32(0)
	status, _ = post(t, srv.URL, signedRequest(t, zero))
	assert.Equal(t, http.StatusBadRequest, status)

	huge := staticRequest("series-7", "SD")
	huge.FirstCryptoPeriodIndex = api.Uint32(0)
	huge.CryptoPeriodCount = api.Uint32(101)
	status, _ = post(t, srv.URL, signedRequest(t, huge))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRejectsBadSignature(t *testing.T) {
	_, srv := newServer(t)
	requestJSON, err := json.Marshal(staticRequest("film-42", "SD"))
	require.NoError(t, err)
	envelope, err := json.Marshal(api.SignedRequest{
		Request:   requestJSON,
		Signature: bytes.Repeat([]byte{9}, 32),
		Signer:    "imposter",
	})
	require.NoError(t, err)

	status, data := post(t, srv.URL, envelope)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(data), "bad signature")
}

func TestAcceptsAnySignatureWithoutVerifier(t *testing.T) {
	server, err := keyserver.New(nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	requestJSON, err := json.Marshal(staticRequest("film-42", "SD"))
	require.NoError(t, err)
	envelope, err := json.Marshal(api.SignedRequest{
		Request:   requestJSON,
		Signature: []byte("whatever"),
		Signer:    "anyone",
	})
	require.NoError(t, err)

	status, data := post(t, srv.URL, envelope)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, api.StatusOK, decodeLicense(t, data).Status)
}

func TestRejectsMalformedEnvelopes(t *testing.T) {
	_, srv := newServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "ceci n'est pas json"},
		{"missing fields", `{"request": "eyJ9"}`},
		{"request not base64", `{"request": "!!!", "signature": "AQI=", "signer": "test"}`},
		{"signature not base64", `{"request": "eyJ9", "signature": "!!!", "signer": "test"}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			status, _ := post(t, srv.URL, []byte(test.body))
			assert.Equal(t, http.StatusBadRequest, status)
		})
	}
}

func TestRejectsUndecodableRequest(t *testing.T) {
	_, srv := newServer(t)
	aes, err := signer.NewAES("test", testAESKey, testAESIV)
	require.NoError(t, err)
	bogus := []byte(`["not", "a", "request"]`)
	signature, err := aes.Sign(bogus)
	require.NoError(t, err)
	envelope, err := json.Marshal(api.SignedRequest{
		Request:   bogus,
		Signature: signature,
		Signer:    "test",
	})
	require.NoError(t, err)

	status, data := post(t, srv.URL, envelope)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(data), "decoding request")
}

func TestRejectsRequestWithoutTracks(t *testing.T) {
	_, srv := newServer(t)
	status, data := post(t, srv.URL, signedRequest(t, staticRequest("film-42")))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(data), "no tracks")
}

func TestRejectsNonPOST(t *testing.T) {
	server, srv := newServer(t)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, 1, server.Requests())
}

func TestCannedContentBehaviors(t *testing.T) {
	server, srv := newServer(t)

	status, data := post(t, srv.URL, signedRequest(t, staticRequest(keyserver.ContentIDAlwaysBusy, "SD")))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, api.StatusTransientError, decodeLicense(t, data).Status)

	status, data = post(t, srv.URL, signedRequest(t, staticRequest(keyserver.ContentIDRejected, "SD")))
	require.Equal(t, http.StatusOK, status)
	license := decodeLicense(t, data)
	assert.NotEqual(t, api.StatusOK, license.Status)
	assert.NotEqual(t, api.StatusTransientError, license.Status)

	// busy-once answers the first exchange with the transient status only.
	body := signedRequest(t, staticRequest(keyserver.ContentIDBusyOnce, "SD"))
	status, data = post(t, srv.URL, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, api.StatusTransientError, decodeLicense(t, data).Status)
	status, data = post(t, srv.URL, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, api.StatusOK, decodeLicense(t, data).Status)

	// garbage does not even come back as an envelope.
	status, data = post(t, srv.URL, signedRequest(t, staticRequest(keyserver.ContentIDGarbage, "SD")))
	require.Equal(t, http.StatusOK, status)
	var envelope api.LicenseResponse
	assert.Error(t, json.Unmarshal(data, &envelope))

	// missing-track drops SD from the response.
	status, data = post(t, srv.URL, signedRequest(t, staticRequest(keyserver.ContentIDMissingTrack, "SD", "HD")))
	require.Equal(t, http.StatusOK, status)
	license = decodeLicense(t, data)
	require.Len(t, license.Tracks, 1)
	assert.Equal(t, "HD", license.Tracks[0].Type)

	assert.Equal(t, 6, server.Requests())
}
