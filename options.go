package watchfs

import (
	"log/slog"
	"time"
)

const (
	// defaultPollInterval is how often the generic backend rescans.
	defaultPollInterval = time.Second
	// minPollInterval is the floor for configured poll intervals.
	minPollInterval = 100 * time.Millisecond

	// defaultWinBufferSize is the default ReadDirectoryChangesW buffer.
	defaultWinBufferSize = 63 * 1024
	// minWinBufferSize and maxWinBufferSize bound the configurable
	// buffer. Buffers above 64 KiB fail on network paths, so the cap is
	// hard.
	minWinBufferSize = 4096
	maxWinBufferSize = 64 * 1024
)

// Options configures a FileWatcher.
type Options struct {
	// Generic forces the portable polling backend even on platforms with
	// a native watcher. Required for directories on network filesystems.
	Generic bool

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// PollInterval is the rescan period of the generic backend. Values
	// below 100ms are raised to 100ms; zero means 1s.
	PollInterval time.Duration
}

// setDefaults applies default values to unset options.
func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
}

// Option names a per-watch platform hint.
type Option int

const (
	// OptionWinBufferSize sets the ReadDirectoryChangesW buffer size in
	// bytes. Clamped to [4096, 65536]; 64 KiB is also the hard cap for
	// network paths.
	OptionWinBufferSize Option = iota + 1
	// OptionWinNotifyFilter sets the FILE_NOTIFY_CHANGE_* bitmask
	// selecting which kernel change categories produce events.
	OptionWinNotifyFilter
)

// WatcherOption is an optional, typically platform-specific watch
// parameter. Options for other platforms are ignored.
type WatcherOption struct {
	Option Option
	Value  int
}

// WithBufferSize returns an OptionWinBufferSize option.
func WithBufferSize(bytes int) WatcherOption {
	return WatcherOption{Option: OptionWinBufferSize, Value: bytes}
}

// WithNotifyFilter returns an OptionWinNotifyFilter option.
func WithNotifyFilter(mask uint32) WatcherOption {
	return WatcherOption{Option: OptionWinNotifyFilter, Value: int(mask)}
}

// optionValue returns the value of opt within opts, or def when unset.
func optionValue(opts []WatcherOption, opt Option, def int) int {
	for _, o := range opts {
		if o.Option == opt {
			return o.Value
		}
	}
	return def
}
