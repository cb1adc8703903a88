package vbm

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/geobuffer/vbm/internal/utils"
)

const (
	defaultInitialCapacity  int = 1024
	defaultMaxAddRetries    int = 3
	defaultPrepareWorkers   int = 2
	defaultPrepareQueueSize int = 64
)

// Duration is a time.Duration that can be read from a TOML string such as "4ms"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// CreateOptions contains optional settings when creating a BufferManager. It is valid to leave
// every field blank.
type CreateOptions struct {
	// Flags indicates specific manager behaviors to activate or deactivate
	Flags CreateFlags `toml:"flags"`
	// ElementSize is the size of one element in bytes. Offsets and counts are measured in elements;
	// the native layer is addressed in bytes. Defaults to 1.
	ElementSize int `toml:"element_size"`
	// StaticInitialCapacity is the capacity in elements of each new static backing buffer.
	// Defaults to 1024, or MaxBufferElements if that is smaller.
	StaticInitialCapacity int `toml:"static_initial_capacity"`
	// DynamicInitialCapacity is the capacity in elements of each new dynamic backing buffer.
	// Defaults to 1024, or MaxBufferElements if that is smaller.
	DynamicInitialCapacity int `toml:"dynamic_initial_capacity"`
	// MaxBufferElements caps how far a single backing buffer may grow. When the newest buffer in a
	// pool cannot grow any further, a new backing buffer is opened instead. 0 means no cap.
	MaxBufferElements int `toml:"max_buffer_elements"`
	// MaxBackingBuffers caps the number of backing buffers in each pool. Adds that would require
	// another buffer fail with ErrCapacityExhausted. 0 means no cap.
	MaxBackingBuffers int `toml:"max_backing_buffers"`
	// BudgetBytes caps the total size of every native buffer created by the manager. Creation or
	// growth beyond it fails with ErrOutOfDeviceMemory. 0 means no budget.
	BudgetBytes int `toml:"budget_bytes"`

	// RequeueFailedAdds sends adds that were skipped because an earlier add in the same pool ran
	// out of capacity back to the front of the queue for the next drain, instead of failing them.
	RequeueFailedAdds bool `toml:"requeue_failed_adds"`
	// MaxAddRetries is the number of drains a requeued add may be sent back for before it fails.
	// Defaults to 3.
	MaxAddRetries int `toml:"max_add_retries"`

	// PrepareWorkers is the number of goroutines that run SubmitAsync preparation. Defaults to 2.
	PrepareWorkers int `toml:"prepare_workers"`
	// PrepareQueueSize is the number of preparations that may wait for a worker before SubmitAsync
	// blocks. Defaults to 64.
	PrepareQueueSize int `toml:"prepare_queue_size"`

	// DrainBudget is the time a single drain is expected to take. Slower drains are logged as a
	// warning. 0 disables the check.
	DrainBudget Duration `toml:"drain_budget"`
	// LogLevel is the level of the default logger: trace, debug, info, warn or error. It is ignored
	// when a logger is passed to New. Defaults to info.
	LogLevel string `toml:"log_level"`
}

// ParseCreateOptions reads CreateOptions from a TOML document
func ParseCreateOptions(data []byte) (CreateOptions, error) {
	var options CreateOptions
	err := toml.Unmarshal(data, &options)
	if err != nil {
		return CreateOptions{}, errors.Wrap(err, "failed to parse buffer manager options")
	}
	return options, nil
}

// LoadCreateOptions reads CreateOptions from a TOML file
func LoadCreateOptions(path string) (CreateOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CreateOptions{}, errors.Wrapf(err, "failed to read buffer manager options from %s", path)
	}
	return ParseCreateOptions(data)
}

func (o *CreateOptions) applyDefaults() error {
	if o.ElementSize == 0 {
		o.ElementSize = 1
	}
	defaultCapacity := defaultInitialCapacity
	if o.MaxBufferElements > 0 && o.MaxBufferElements < defaultCapacity {
		defaultCapacity = o.MaxBufferElements
	}
	if o.StaticInitialCapacity == 0 {
		o.StaticInitialCapacity = defaultCapacity
	}
	if o.DynamicInitialCapacity == 0 {
		o.DynamicInitialCapacity = defaultCapacity
	}
	if o.MaxAddRetries == 0 {
		o.MaxAddRetries = defaultMaxAddRetries
	}
	if o.PrepareWorkers == 0 {
		o.PrepareWorkers = defaultPrepareWorkers
	}
	if o.PrepareQueueSize == 0 {
		o.PrepareQueueSize = defaultPrepareQueueSize
	}

	switch {
	case o.ElementSize < 0:
		return errors.Newf("CreateOptions.ElementSize must be positive, got %d", o.ElementSize)
	case o.StaticInitialCapacity < 0 || o.DynamicInitialCapacity < 0:
		return errors.New("CreateOptions initial capacities must be positive")
	case o.MaxBufferElements < 0 || o.MaxBackingBuffers < 0 || o.BudgetBytes < 0:
		return errors.New("CreateOptions limits must not be negative")
	case o.MaxBufferElements > 0 && (o.StaticInitialCapacity > o.MaxBufferElements || o.DynamicInitialCapacity > o.MaxBufferElements):
		return errors.Newf("CreateOptions initial capacities must not exceed MaxBufferElements (%d)", o.MaxBufferElements)
	case o.MaxAddRetries < 0:
		return errors.Newf("CreateOptions.MaxAddRetries must not be negative, got %d", o.MaxAddRetries)
	case o.PrepareWorkers < 0:
		return errors.Newf("CreateOptions.PrepareWorkers must be positive, got %d", o.PrepareWorkers)
	case o.PrepareQueueSize < 0:
		return errors.Newf("CreateOptions.PrepareQueueSize must not be negative, got %d", o.PrepareQueueSize)
	case o.DrainBudget < 0:
		return errors.New("CreateOptions.DrainBudget must not be negative")
	}

	return nil
}

// NewLogger creates the logger a BufferManager uses when none is provided: a charmbracelet/log
// handler writing to stderr at the requested level.
func NewLogger(level string) (*slog.Logger, error) {
	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "vbm",
	})

	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "":
		handler.SetLevel(log.InfoLevel)
	case "trace":
		handler.SetLevel(log.Level(LevelTrace))
	default:
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid log level %q", level)
		}
		handler.SetLevel(parsed)
	}

	return slog.New(handler), nil
}

// New creates a new BufferManager
//
// logger - The logger to write to. If nil, a logger is created with NewLogger and CreateOptions.LogLevel
//
// device - The native layer that backing buffers are allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*BufferManager, error) {
	if device == nil {
		return nil, errors.New("attempted to create a buffer manager without a device")
	}

	err := options.applyDefaults()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger, err = NewLogger(options.LogLevel)
		if err != nil {
			return nil, err
		}
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0
	budget := newBudgetDevice(device, options.BudgetBytes)

	manager := &BufferManager{
		logger:  logger,
		options: options,
		device:  budget,

		stateMutex: utils.OptionalRWMutex{UseMutex: useMutex},

		owners: swiss.NewMap[string, *BufferDescriptor](64),
		queue:  newRequestQueue(),
	}

	for poolIndex := range manager.pools {
		dynamic := poolIndex == dynamicPool
		initialCapacity := options.StaticInitialCapacity
		if dynamic {
			initialCapacity = options.DynamicInitialCapacity
		}

		manager.pools[poolIndex] = &bufferPool{
			logger:          logger,
			device:          budget,
			dynamic:         dynamic,
			elementSize:     options.ElementSize,
			initialCapacity: initialCapacity,
			maxElements:     options.MaxBufferElements,
			maxBuffers:      options.MaxBackingBuffers,
		}
	}

	manager.prepare, err = newPrepareSystem(manager, options.PrepareWorkers, options.PrepareQueueSize)
	if err != nil {
		return nil, err
	}

	logger.Debug("BufferManager::New",
		slog.String("flags", options.Flags.String()),
		slog.Int("elementSize", options.ElementSize),
		slog.Int("budgetBytes", options.BudgetBytes),
	)

	return manager, nil
}
