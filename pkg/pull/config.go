package pull

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"keyfeed/pkg/keysource"
)

// Config wraps the options for a pull run.
type Config struct {
	// Server is the key service endpoint requests are sent to.
	Server string `yaml:"server"`
	// ContentID is the base64 encoded content identifier.
	ContentID string `yaml:"content_id"`
	// Policy names the DRM rights policy the service should apply.
	Policy string `yaml:"policy,omitempty"`
	// Tracks are the track types to pull keys for. Defaults to SD, HD
	// and AUDIO.
	Tracks []string `yaml:"tracks,omitempty"`

	Rotation RotationConfig `yaml:"rotation,omitempty"`
	Retry    RetryConfig    `yaml:"retry,omitempty"`
	Signer   SignerConfig   `yaml:"signer,omitempty"`

	// RawKeys serves one fixed key set instead of talking to a key
	// service. When set, the server and signer sections are unused.
	RawKeys *RawKeysConfig `yaml:"raw_keys,omitempty"`

	// OutputPath is where the report is written. Empty means stdout.
	OutputPath string `yaml:"output_path,omitempty"`
}

// RotationConfig selects rotating operation and the crypto period window to
// pull.
type RotationConfig struct {
	Enabled bool `yaml:"enabled"`
	// FirstIndex is the crypto period the pull starts at.
	FirstIndex uint32 `yaml:"first_index"`
	// Periods is how many consecutive crypto periods to pull.
	Periods uint32 `yaml:"periods"`
	// BatchSize is the number of crypto periods requested per exchange.
	// Zero keeps the source default.
	BatchSize uint32 `yaml:"batch_size,omitempty"`
	// QueueCapacity bounds the producer's lookahead. Zero keeps the
	// source default.
	QueueCapacity int `yaml:"queue_capacity,omitempty"`
}

// RetryConfig tunes how transient exchange failures are retried.
type RetryConfig struct {
	// Max is the retry count after a failing exchange. Zero keeps the
	// source default, negative disables retries.
	Max int `yaml:"max,omitempty"`
	// InitialDelay seeds the exponential backoff, in time.ParseDuration
	// syntax ("500ms", "2s").
	InitialDelay string `yaml:"initial_delay,omitempty"`
}

// SignerConfig authenticates requests. Exactly one of the AES pair and the
// RSA key path must be set.
type SignerConfig struct {
	Name string `yaml:"name"`
	// AESKey and AESIV are hex encoded.
	AESKey string `yaml:"aes_key,omitempty"`
	AESIV  string `yaml:"aes_iv,omitempty"`
	// RSAKeyPath points at a PEM encoded RSA private key.
	RSAKeyPath string `yaml:"rsa_key_path,omitempty"`
}

// RawKeysConfig is the fixed key set served when the pull bypasses the key
// service. Values are hex encoded.
type RawKeysConfig struct {
	KeyID string `yaml:"key_id"`
	Key   string `yaml:"key"`
	IV    string `yaml:"iv,omitempty"`
	PSSH  string `yaml:"pssh,omitempty"`
}

// Dump generates a YAML string of the Config object
func (c *Config) Dump() (string, error) {
	d, err := yaml.Marshal(&c)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate YAML dump of config")
	}

	return string(d), nil
}

func (c *Config) validate() error {
	var result *multierror.Error

	if c.RawKeys != nil {
		if c.RawKeys.KeyID == "" {
			result = multierror.Append(result, fmt.Errorf("raw_keys key_id is required"))
		}
		if c.RawKeys.Key == "" {
			result = multierror.Append(result, fmt.Errorf("raw_keys key is required"))
		}
	} else {
		if c.Server == "" {
			result = multierror.Append(result, fmt.Errorf("server is required"))
		}
		if c.ContentID == "" {
			result = multierror.Append(result, fmt.Errorf("content_id is required"))
		} else if _, err := c.contentID(); err != nil {
			result = multierror.Append(result, fmt.Errorf("content_id is not valid base64"))
		}
		if c.Signer.Name == "" {
			result = multierror.Append(result, fmt.Errorf("signer name is required"))
		}
		switch {
		case c.Signer.AESKey != "" && c.Signer.RSAKeyPath != "":
			result = multierror.Append(result, fmt.Errorf("signer must use either the AES pair or rsa_key_path, not both"))
		case c.Signer.AESKey == "" && c.Signer.RSAKeyPath == "":
			result = multierror.Append(result, fmt.Errorf("signer needs aes_key and aes_iv, or rsa_key_path"))
		case c.Signer.AESKey != "" && c.Signer.AESIV == "":
			result = multierror.Append(result, fmt.Errorf("signer aes_iv is required with aes_key"))
		}
	}

	for i, track := range c.Tracks {
		if _, err := keysource.ParseTrackType(track); err != nil {
			result = multierror.Append(result, fmt.Errorf("track %d/%d: unknown track type %q", i+1, len(c.Tracks), track))
		}
	}

	if c.Rotation.Enabled && c.Rotation.Periods == 0 {
		result = multierror.Append(result, fmt.Errorf("rotation periods must be at least 1"))
	}

	if c.Retry.InitialDelay != "" {
		if _, err := time.ParseDuration(c.Retry.InitialDelay); err != nil {
			result = multierror.Append(result, fmt.Errorf("retry initial_delay is not a duration: %q", c.Retry.InitialDelay))
		}
	}

	return result.ErrorOrNil()
}

// ParseConfig reads config into a struct used to configure a pull run.
func ParseConfig(data []byte) (Config, error) {
	var config Config

	err := yaml.Unmarshal(data, &config)
	if err != nil {
		return config, err
	}

	if err = config.validate(); err != nil {
		return config, err
	}

	return config, nil
}

// contentID decodes the configured content id.
func (c *Config) contentID() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.ContentID)
}

// trackTypes parses the configured tracks, defaulting to all of them.
func (c *Config) trackTypes() ([]keysource.TrackType, error) {
	if len(c.Tracks) == 0 {
		return keysource.AllTrackTypes, nil
	}
	tracks := make([]keysource.TrackType, 0, len(c.Tracks))
	for _, name := range c.Tracks {
		track, err := keysource.ParseTrackType(name)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

// retryDelay returns the configured backoff seed, zero for the default.
// validate has already checked the syntax.
func (c *Config) retryDelay() time.Duration {
	if c.Retry.InitialDelay == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Retry.InitialDelay)
	return d
}
