package schemareg

import (
	"log/slog"
	"time"

	"github.com/hupe1980/schemareg/blobstore"
	"github.com/hupe1980/schemareg/idalloc"
	"github.com/hupe1980/schemareg/lock"
	"github.com/hupe1980/schemareg/manifest"
	"github.com/hupe1980/schemareg/metrics"
	"github.com/hupe1980/schemareg/model"
	"github.com/hupe1980/schemareg/resource"
	"github.com/hupe1980/schemareg/retry"
)

type options struct {
	lockBackend   lock.Backend
	counter       idalloc.Counter
	manifestStore manifest.Store
	stagingBlobs  blobstore.BlobStore
	artifactBlobs blobstore.BlobStore
	workers       int
	retry         retry.Policy
	longSequence  int
	maxBatchRows  int
	resources     resource.Config
	autoUnlock    bool
	clock         func() time.Time
	hasher        model.Hasher
	metrics       metrics.Collector
	logger        *Logger
}

// Option configures a Registry.
type Option func(*options)

// WithLockBackend stores lock tokens outside the repository, e.g. in
// DynamoDB. By default tokens live next to the schema facts.
func WithLockBackend(b lock.Backend) Option {
	return func(o *options) {
		o.lockBackend = b
	}
}

// WithIDCounter configures the counter behind the identifier allocator.
// Use a shared counter such as idalloc.DynamoDBCounter when several
// processes import into the same repository.
func WithIDCounter(c idalloc.Counter) Option {
	return func(o *options) {
		o.counter = c
	}
}

// WithManifestStore configures where import manifests are persisted.
//
// Example:
//
//	store, _ := manifest.OpenJournalStore("./manifests")
//	reg, _ := schemareg.New(repo, schemareg.WithManifestStore(store))
func WithManifestStore(s manifest.Store) Option {
	return func(o *options) {
		o.manifestStore = s
	}
}

// WithStagingStore configures the blob store uploaded batches are staged in.
func WithStagingStore(s blobstore.BlobStore) Option {
	return func(o *options) {
		o.stagingBlobs = s
	}
}

// WithArtifactStore configures the blob store holding schema side
// artifacts. Deleting a schema removes them.
func WithArtifactStore(s blobstore.BlobStore) Option {
	return func(o *options) {
		o.artifactBlobs = s
	}
}

// WithWorkers sets the worker pool size of imports and deletions.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithRetryPolicy sets the policy every repository write is retried with.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithLongSequenceThreshold sets the residue length above which an allele
// is sent as a single-row insert.
func WithLongSequenceThreshold(n int) Option {
	return func(o *options) {
		o.longSequence = n
	}
}

// WithMaxBatchRows caps the alleles of one grouped insert.
func WithMaxBatchRows(n int) Option {
	return func(o *options) {
		o.maxBatchRows = n
	}
}

// WithResourceLimits bounds concurrent jobs, staged memory, write rate and
// archive IO.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) {
		o.resources = cfg
	}
}

// WithAutoUnlock releases the schema lock once an import completes.
func WithAutoUnlock(enabled bool) Option {
	return func(o *options) {
		o.autoUnlock = enabled
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithSequenceHasher overrides the content hash of sequences.
func WithSequenceHasher(h model.Hasher) Option {
	return func(o *options) {
		o.hasher = h
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with Prometheus:
//
//	collector, _ := metrics.NewPrometheus(prometheus.DefaultRegisterer)
//	reg, _ := schemareg.New(repo, schemareg.WithMetricsCollector(collector))
func WithMetricsCollector(mc metrics.Collector) Option {
	return func(o *options) {
		if mc == nil {
			mc = metrics.Noop{}
		}
		o.metrics = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		workers:      8,
		retry:        retry.DefaultPolicy(),
		longSequence: 10000,
		maxBatchRows: 100,
		clock:        time.Now,
		hasher:       model.SHA256,
		metrics:      metrics.Noop{},
		logger:       NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
