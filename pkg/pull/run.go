// Package pull drives a key source from configuration and writes the
// fetched keys out as a JSON report.
package pull

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"keyfeed/pkg/keysource"
	"keyfeed/pkg/signer"
	"keyfeed/pkg/widevine"
)

// ConfigFilePath is where the pull command will try to load the
// configuration from.
var ConfigFilePath string

// OutputPath overrides the configured output path when set.
var OutputPath string

// Prometheus enables the metrics endpoint for the duration of the run.
var Prometheus bool

// Report is the JSON document a pull run writes out.
type Report struct {
	RunID     string   `json:"run_id"`
	PulledAt  string   `json:"pulled_at"`
	ContentID []byte   `json:"content_id,omitempty"`
	Periods   []Period `json:"periods"`
}

// Period holds the keys of one crypto period. Index is unset when key
// rotation is off and the keys cover the whole presentation.
type Period struct {
	Index  *uint32             `json:"crypto_period_index,omitempty"`
	Tracks map[string]TrackKey `json:"tracks"`
}

// TrackKey is the key material pulled for one track.
type TrackKey struct {
	KeyID []byte `json:"key_id"`
	Key   []byte `json:"key"`
	IV    []byte `json:"iv,omitempty"`
	PSSH  []byte `json:"pssh,omitempty"`
}

// Run pulls keys per cfg and writes the report to the configured output.
// The context bounds the whole run.
func Run(ctx context.Context, cfg Config) error {
	log := logrus.WithField("component", "pull")

	if Prometheus {
		go serveMetrics(log)
	}

	if dump, err := cfg.Dump(); err == nil {
		log.WithField("config", dump).Debug("effective configuration")
	}

	source, cleanup, err := buildSource(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := pullKeys(ctx, log, source, cfg)
	if err != nil {
		return err
	}

	outputPath := cfg.OutputPath
	if OutputPath != "" {
		outputPath = OutputPath
	}
	return writeReport(log, report, outputPath)
}

// buildSource assembles the configured key source: a fixed one for raw
// keys, otherwise a Widevine-protocol source.
func buildSource(cfg Config) (keysource.Source, func(), error) {
	if cfg.RawKeys != nil {
		source, err := fixedSource(*cfg.RawKeys)
		if err != nil {
			return nil, nil, err
		}
		return source, func() {}, nil
	}

	requestSigner, err := buildSigner(cfg.Signer)
	if err != nil {
		return nil, nil, err
	}
	tracks, err := cfg.trackTypes()
	if err != nil {
		return nil, nil, err
	}
	contentID, err := cfg.contentID()
	if err != nil {
		return nil, nil, errors.Wrap(err, "decoding content_id")
	}

	source := widevine.New(widevine.Config{
		ServerURL:         cfg.Server,
		ContentID:         contentID,
		Policy:            cfg.Policy,
		Tracks:            tracks,
		Signer:            requestSigner,
		KeyRotation:       cfg.Rotation.Enabled,
		CryptoPeriodCount: cfg.Rotation.BatchSize,
		QueueCapacity:     cfg.Rotation.QueueCapacity,
		MaxRetries:        cfg.Retry.Max,
		InitialRetryDelay: cfg.retryDelay(),
	})
	if err := source.Initialize(); err != nil {
		return nil, nil, err
	}
	return source, func() { _ = source.Close() }, nil
}

func fixedSource(raw RawKeysConfig) (keysource.Source, error) {
	keyID, err := hex.DecodeString(raw.KeyID)
	if err != nil {
		return nil, errors.Wrap(err, "decoding raw_keys key_id")
	}
	key, err := hex.DecodeString(raw.Key)
	if err != nil {
		return nil, errors.Wrap(err, "decoding raw_keys key")
	}
	iv, err := hex.DecodeString(raw.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decoding raw_keys iv")
	}
	pssh, err := hex.DecodeString(raw.PSSH)
	if err != nil {
		return nil, errors.Wrap(err, "decoding raw_keys pssh")
	}
	return keysource.NewFixed(keyID, key, iv, pssh)
}

func buildSigner(cfg SignerConfig) (signer.Signer, error) {
	if cfg.RSAKeyPath != "" {
		pemData, err := os.ReadFile(cfg.RSAKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "reading rsa_key_path")
		}
		return signer.NewRSAFromPEM(cfg.Name, pemData)
	}
	return signer.NewAESFromHex(cfg.Name, cfg.AESKey, cfg.AESIV)
}

// pullKeys drives the source through the configured window and assembles
// the report.
func pullKeys(ctx context.Context, log *logrus.Entry, source keysource.Source, cfg Config) (Report, error) {
	tracks, err := cfg.trackTypes()
	if err != nil {
		return Report{}, err
	}
	contentID, err := cfg.contentID()
	if err != nil {
		return Report{}, errors.Wrap(err, "decoding content_id")
	}

	report := Report{
		RunID:     uuid.New().String(),
		PulledAt:  time.Now().UTC().Format(time.RFC3339),
		ContentID: contentID,
	}

	if cfg.Rotation.Enabled {
		for offset := uint32(0); offset < cfg.Rotation.Periods; offset++ {
			index := cfg.Rotation.FirstIndex + offset
			period := Period{Index: &index, Tracks: map[string]TrackKey{}}
			for _, track := range tracks {
				key, err := source.GetCryptoPeriodKey(ctx, index, track)
				if err != nil {
					return Report{}, errors.Wrapf(err, "pulling crypto period %d", index)
				}
				period.Tracks[track.String()] = trackKey(key)
			}
			report.Periods = append(report.Periods, period)
			log.WithField("crypto_period_index", index).Debug("pulled crypto period")
		}
	} else {
		period := Period{Tracks: map[string]TrackKey{}}
		for _, track := range tracks {
			key, err := source.GetKey(ctx, track)
			if err != nil {
				return Report{}, errors.Wrapf(err, "pulling key for track %s", track)
			}
			period.Tracks[track.String()] = trackKey(key)
		}
		report.Periods = append(report.Periods, period)
	}

	log.WithFields(logrus.Fields{
		"run_id":  report.RunID,
		"periods": len(report.Periods),
	}).Info("pull complete")
	return report, nil
}

func trackKey(key keysource.EncryptionKey) TrackKey {
	return TrackKey{KeyID: key.KeyID, Key: key.Key, IV: key.IV, PSSH: key.PSSH}
}

// writeReport renders the report to outputPath, or stdout when the path is
// empty. Reports hold key material, so files are owner-only.
func writeReport(log *logrus.Entry, report Report, outputPath string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing report")
	}

	if outputPath == "" {
		fmt.Printf("%s\n", data)
		return nil
	}

	if dir := path.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, "creating output directory")
		}
	}
	if err := os.WriteFile(outputPath, data, 0600); err != nil {
		return errors.Wrap(err, "writing report")
	}
	log.WithField("output_path", outputPath).Info("report written")
	return nil
}

// serveMetrics exposes the Prometheus registry on :8081 for the duration of
// the run.
func serveMetrics(log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(":8081", mux); err != nil {
		log.WithError(err).Warn("metrics endpoint stopped")
	}
}
