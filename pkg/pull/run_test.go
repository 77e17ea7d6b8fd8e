package pull

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyfeed/pkg/keyserver"
	"keyfeed/pkg/keysource"
	"keyfeed/pkg/testutil"
)

const (
	testAESKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testAESIVHex  = "0f0e0d0c0b0a09080706050403020100"
)

func newTestService(t *testing.T) (*keyserver.Server, *httptest.Server) {
	t.Helper()
	aesKey, err := hex.DecodeString(testAESKeyHex)
	require.NoError(t, err)
	aesIV, err := hex.DecodeString(testAESIVHex)
	require.NoError(t, err)
	service, err := keyserver.New(aesKey, aesIV)
	require.NoError(t, err)
	srv := httptest.NewServer(service)
	t.Cleanup(srv.Close)
	return service, srv
}

func readReport(t *testing.T, path string) Report {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	return report
}

func TestRunWritesStaticReport(t *testing.T) {
	service, srv := newTestService(t)
	outputPath := filepath.Join(t.TempDir(), "report.json")

	cfg, err := ParseConfig([]byte(testutil.Undent(fmt.Sprintf(`
		server: %s
		content_id: YWJj
		signer:
		  name: test
		  aes_key: %s
		  aes_iv: %s
		output_path: %s
	`, srv.URL, testAESKeyHex, testAESIVHex, outputPath))))
	require.NoError(t, err)

	require.NoError(t, Run(context.Background(), cfg))

	report := readReport(t, outputPath)
	assert.NotEmpty(t, report.RunID)
	assert.NotEmpty(t, report.PulledAt)
	assert.Equal(t, []byte("abc"), report.ContentID)
	require.Len(t, report.Periods, 1)
	assert.Nil(t, report.Periods[0].Index)
	require.Len(t, report.Periods[0].Tracks, 3)
	for _, name := range []string{"SD", "HD", "AUDIO"} {
		assert.Len(t, report.Periods[0].Tracks[name].KeyID, 16)
		assert.Len(t, report.Periods[0].Tracks[name].Key, 16)
	}
	assert.NotEqual(t, report.Periods[0].Tracks["SD"].Key, report.Periods[0].Tracks["HD"].Key)

	assert.Equal(t, 1, service.Requests(), "static keys must come from a single exchange")
}

func TestRunWritesRotatingReport(t *testing.T) {
	_, srv := newTestService(t)
	outputPath := filepath.Join(t.TempDir(), "out", "report.json")

	cfg, err := ParseConfig([]byte(testutil.Undent(fmt.Sprintf(`
		server: %s
		content_id: cm90YXRpbmc=
		tracks: [SD, AUDIO]
		rotation:
		  enabled: true
		  first_index: 3
		  periods: 4
		  batch_size: 2
		retry:
		  initial_delay: 1ms
		signer:
		  name: test
		  aes_key: %s
		  aes_iv: %s
		output_path: %s
	`, srv.URL, testAESKeyHex, testAESIVHex, outputPath))))
	require.NoError(t, err)

	require.NoError(t, Run(context.Background(), cfg))

	report := readReport(t, outputPath)
	assert.Equal(t, []byte("rotating"), report.ContentID)
	require.Len(t, report.Periods, 4)
	for i, period := range report.Periods {
		require.NotNil(t, period.Index)
		assert.Equal(t, uint32(3+i), *period.Index)
		require.Len(t, period.Tracks, 2)
		assert.Len(t, period.Tracks["SD"].Key, 16)
		assert.Len(t, period.Tracks["AUDIO"].Key, 16)
	}
	assert.NotEqual(t,
		report.Periods[0].Tracks["SD"].Key,
		report.Periods[1].Tracks["SD"].Key,
		"keys must rotate between crypto periods")

	// Reports hold key material.
	info, err := os.Stat(outputPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRunWithRawKeys(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "report.json")

	cfg, err := ParseConfig([]byte(testutil.Undent(fmt.Sprintf(`
		raw_keys:
		  key_id: 000102030405060708090a0b0c0d0e0f
		  key: f0e1d2c3b4a5968778695a4b3c2d1e0f
		  iv: 0102030405060708090a0b0c0d0e0f10
		tracks: [SD]
		output_path: %s
	`, outputPath))))
	require.NoError(t, err)

	require.NoError(t, Run(context.Background(), cfg))

	report := readReport(t, outputPath)
	assert.Empty(t, report.ContentID)
	require.Len(t, report.Periods, 1)

	wantKeyID, err := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	require.NoError(t, err)
	assert.Equal(t, wantKeyID, report.Periods[0].Tracks["SD"].KeyID)
}

func TestRunSurfacesSourceFailures(t *testing.T) {
	service, srv := newTestService(t)

	cfg, err := ParseConfig([]byte(testutil.Undent(fmt.Sprintf(`
		server: %s
		content_id: YWx3YXlzLWJ1c3k=
		retry:
		  max: -1
		signer:
		  name: test
		  aes_key: %s
		  aes_iv: %s
	`, srv.URL, testAESKeyHex, testAESIVHex))))
	require.NoError(t, err)

	err = Run(context.Background(), cfg)
	require.ErrorIs(t, err, keysource.ErrServerBusy)
	assert.Equal(t, 1, service.Requests(), "negative retry max must disable retries")
}
