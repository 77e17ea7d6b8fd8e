// Package widevine fetches content keys from a Widevine-protocol key
// service, either one set of keys for a whole presentation or rotating keys
// over numbered crypto periods.
//
// In rotating operation a single background producer keeps a bounded
// lookahead queue of crypto period batches filled. Production starts lazily:
// the first GetCryptoPeriodKey call fixes the first crypto period index and
// releases the producer. Transient service errors are retried with
// exponential backoff; every other error, and retry exhaustion, latches as
// the source's terminal status and is returned to all current and future
// callers.
package widevine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"keyfeed/pkg/fetcher"
	"keyfeed/pkg/keysource"
	"keyfeed/pkg/queue"
	"keyfeed/pkg/signer"
)

const (
	// DefaultCryptoPeriodCount is how many crypto periods are requested
	// per exchange when key rotation is enabled.
	DefaultCryptoPeriodCount = 10

	// DefaultMaxRetries is how many times a transiently failing exchange
	// is retried before the failure becomes fatal.
	DefaultMaxRetries = 5

	// DefaultInitialRetryDelay seeds the exponential backoff between
	// retries. Each retry doubles it.
	DefaultInitialRetryDelay = time.Second
)

// Config carries the settings for a KeySource.
type Config struct {
	// ServerURL is the key service endpoint requests are POSTed to.
	ServerURL string
	// ContentID identifies the content being packaged.
	ContentID []byte
	// Policy names the DRM rights policy the service should apply.
	Policy string
	// Tracks are the track types keys are requested for.
	// Defaults to SD, HD and AUDIO.
	Tracks []keysource.TrackType
	// Signer authenticates requests. Required.
	Signer signer.Signer
	// Fetcher performs the HTTP exchanges. Defaults to a fetcher.Client
	// with the default timeout.
	Fetcher fetcher.Fetcher

	// KeyRotation selects rotating operation: keys change per crypto
	// period and are served through GetCryptoPeriodKey. Without it the
	// source serves a single set of keys through GetKey.
	KeyRotation bool
	// CryptoPeriodCount is the number of crypto periods requested per
	// exchange in rotating operation. Defaults to
	// DefaultCryptoPeriodCount.
	CryptoPeriodCount uint32
	// QueueCapacity bounds the producer's lookahead, in crypto periods.
	// Defaults to CryptoPeriodCount.
	QueueCapacity int

	// MaxRetries is the number of retries after a transiently failing
	// exchange before the failure is treated as fatal. Zero means
	// DefaultMaxRetries; negative disables retries.
	MaxRetries int
	// InitialRetryDelay overrides DefaultInitialRetryDelay.
	InitialRetryDelay time.Duration

	// Logger receives progress and retry logs. Defaults to the standard
	// logger.
	Logger *logrus.Logger
}

func (c Config) validate() error {
	var result *multierror.Error
	if c.ServerURL == "" {
		result = multierror.Append(result, errors.New("server URL is required"))
	}
	if len(c.ContentID) == 0 {
		result = multierror.Append(result, errors.New("content id is required"))
	}
	if c.Signer == nil {
		result = multierror.Append(result, errors.New("signer is required"))
	}
	if c.QueueCapacity < 0 {
		result = multierror.Append(result, errors.New("queue capacity must not be negative"))
	}
	for _, track := range c.Tracks {
		if track.String() == "UNKNOWN" {
			result = multierror.Append(result, fmt.Errorf("unknown track type %d", track))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", keysource.ErrConfiguration, err)
	}
	return nil
}

// KeySource is a keysource.Source backed by a Widevine-protocol key service.
// Build it with New, then call Initialize before the first Get.
type KeySource struct {
	cfg   Config
	log   *logrus.Entry
	fetch fetcher.Fetcher

	tracks      []keysource.TrackType
	periodCount uint32
	capacity    int
	maxRetries  uint64
	retryDelay  time.Duration

	// ctx is the producer's lifetime; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	startC chan struct{}
	done   chan struct{}

	// fetchMu serializes the one-time fetch of non-rotating operation.
	fetchMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	closed      bool
	started     bool
	firstIndex  uint32
	pool        *queue.Queue[keysource.Batch]
	staticKeys  keysource.Batch
	fatal       error
}

var _ keysource.Source = (*KeySource)(nil)

// New builds a KeySource from cfg. The configuration is not validated until
// Initialize.
func New(cfg Config) *KeySource {
	ctx, cancel := context.WithCancel(context.Background())
	return &KeySource{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		startC: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Initialize validates the configuration and prepares the source. In
// rotating operation it starts the producer goroutine, which stays parked
// until the first GetCryptoPeriodKey call. Initialize must be called exactly
// once, before any Get.
func (s *KeySource) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return fmt.Errorf("%w: already initialized", keysource.ErrUsage)
	}
	if s.closed {
		return keysource.ErrClosed
	}
	if err := s.cfg.validate(); err != nil {
		return err
	}

	s.tracks = s.cfg.Tracks
	if len(s.tracks) == 0 {
		s.tracks = keysource.AllTrackTypes
	}
	s.periodCount = s.cfg.CryptoPeriodCount
	if s.periodCount == 0 {
		s.periodCount = DefaultCryptoPeriodCount
	}
	s.capacity = s.cfg.QueueCapacity
	if s.capacity == 0 {
		s.capacity = int(s.periodCount)
	}
	switch {
	case s.cfg.MaxRetries == 0:
		s.maxRetries = DefaultMaxRetries
	case s.cfg.MaxRetries < 0:
		s.maxRetries = 0
	default:
		s.maxRetries = uint64(s.cfg.MaxRetries)
	}
	s.retryDelay = s.cfg.InitialRetryDelay
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultInitialRetryDelay
	}
	s.fetch = s.cfg.Fetcher
	if s.fetch == nil {
		s.fetch = fetcher.New(0)
	}
	logger := s.cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s.log = logger.WithFields(logrus.Fields{
		"component":  "widevine",
		"content_id": hex.EncodeToString(s.cfg.ContentID),
	})

	s.initialized = true
	if s.cfg.KeyRotation {
		go s.produce()
	} else {
		// Nothing to join on Close.
		close(s.done)
	}
	return nil
}

// GetKey returns the single-lifetime key for track. The first call performs
// the key exchange; later calls are served from the cache. A fatal exchange
// outcome is cached as well and returned to every subsequent call.
func (s *KeySource) GetKey(ctx context.Context, track keysource.TrackType) (keysource.EncryptionKey, error) {
	if err := s.checkGet(false); err != nil {
		return keysource.EncryptionKey{}, err
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	s.mu.Lock()
	keys, fatal := s.staticKeys, s.fatal
	s.mu.Unlock()

	if fatal != nil {
		return keysource.EncryptionKey{}, fatal
	}
	if keys == nil {
		fetchCtx, release := s.getContext(ctx)
		batches, err := s.fetchKeys(fetchCtx, false, 0)
		release()
		if err != nil {
			// Cancellation is the caller's or Close's doing, not a
			// verdict on the exchange; only real failures latch.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return keysource.EncryptionKey{}, err
			}
			s.mu.Lock()
			if s.fatal == nil {
				s.fatal = err
			}
			s.mu.Unlock()
			return keysource.EncryptionKey{}, err
		}
		keys = batches[0]
		s.mu.Lock()
		s.staticKeys = keys
		s.mu.Unlock()
	}

	key, ok := keys[track]
	if !ok {
		return keysource.EncryptionKey{}, fmt.Errorf("%w: track %s not configured", keysource.ErrUsage, track)
	}
	return key, nil
}

// GetCryptoPeriodKey returns the key for track in crypto period index. The
// first call fixes the first crypto period and releases the producer; the
// call then blocks until the period has been produced. Crypto periods must
// be consumed in order: asking for an index before an already evicted one
// is a usage error, while asking again for a not yet evicted index returns
// the identical key.
func (s *KeySource) GetCryptoPeriodKey(ctx context.Context, index uint32, track keysource.TrackType) (keysource.EncryptionKey, error) {
	if err := s.checkGet(true); err != nil {
		return keysource.EncryptionKey{}, err
	}

	s.mu.Lock()
	if !s.started {
		s.firstIndex = index
		s.pool = queue.NewAt[keysource.Batch](s.capacity, index)
		s.started = true
		close(s.startC)
	}
	pool := s.pool
	s.mu.Unlock()

	batch, err := pool.Peek(ctx, index)
	if err != nil {
		return keysource.EncryptionKey{}, s.queueError(err)
	}
	metricQueueHead.Set(float64(index))

	key, ok := batch[track]
	if !ok {
		return keysource.EncryptionKey{}, fmt.Errorf("%w: track %s not configured", keysource.ErrUsage, track)
	}
	return key, nil
}

// Close stops the producer and wakes every blocked caller. It is idempotent
// and returns after the producer goroutine has exited.
func (s *KeySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	initialized := s.initialized
	pool := s.pool
	s.mu.Unlock()

	s.cancel()
	if pool != nil {
		pool.Stop()
	}
	if initialized {
		<-s.done
	}
	return nil
}

// checkGet enforces the calling contract shared by both Gets.
func (s *KeySource) checkGet(rotating bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("%w: Initialize must be called first", keysource.ErrUsage)
	}
	if s.closed {
		return keysource.ErrClosed
	}
	if s.cfg.KeyRotation != rotating {
		if rotating {
			return fmt.Errorf("%w: GetCryptoPeriodKey requires key rotation", keysource.ErrUsage)
		}
		return fmt.Errorf("%w: GetKey is for non-rotating operation only", keysource.ErrUsage)
	}
	return nil
}

// queueError translates queue failures into the source's terms. A stopped
// queue means either a latched fatal status or a shutdown.
func (s *KeySource) queueError(err error) error {
	switch {
	case errors.Is(err, queue.ErrStopped):
		s.mu.Lock()
		fatal := s.fatal
		s.mu.Unlock()
		if fatal != nil {
			return fatal
		}
		return keysource.ErrClosed
	case errors.Is(err, queue.ErrOutOfRange):
		return fmt.Errorf("%w: crypto periods must be requested in order: %v", keysource.ErrUsage, err)
	default:
		return err
	}
}

// getContext ties a Get's context to the source lifetime, so Close aborts
// in-flight exchanges no matter what the caller passed in. The release func
// must be called once the exchange is over.
func (s *KeySource) getContext(ctx context.Context) (context.Context, func()) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// produce is the rotating-mode producer. It waits for the first consumer to
// fix the starting crypto period, then keeps the lookahead queue filled one
// batch of crypto periods at a time, in strictly increasing contiguous
// order. The queue's capacity provides the backpressure.
func (s *KeySource) produce() {
	defer close(s.done)

	select {
	case <-s.startC:
	case <-s.ctx.Done():
		return
	}

	s.mu.Lock()
	pool := s.pool
	next := s.firstIndex
	s.mu.Unlock()

	log := s.log.WithField("first_crypto_period_index", next)
	log.Debug("key production started")

	for {
		batches, err := s.fetchKeys(s.ctx, true, next)
		if err != nil {
			if s.ctx.Err() != nil {
				log.Debug("key production stopped")
				return
			}
			s.latchFatal(err)
			return
		}
		for _, batch := range batches {
			if err := pool.Push(s.ctx, batch); err != nil {
				log.Debug("key production stopped")
				return
			}
			metricPeriodsProduced.Inc()
		}
		next += s.periodCount
	}
}

// latchFatal records err as the terminal status and stops the queue. The
// order matters: waiters woken by Stop must already see the status.
func (s *KeySource) latchFatal(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	pool := s.pool
	s.mu.Unlock()

	s.log.WithError(err).Error("key production failed")
	pool.Stop()
}
