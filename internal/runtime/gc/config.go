package gc

import (
	"encoding/json"
	"log"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// tunables holds the subset of the collector's policy knobs that make
// sense to change at runtime without recompiling: the hard per-cycle
// constants (BlockSize, LineSize, LargeObjectThreshold...) stay as
// package constants, but the evacuation trigger and threshold-growth
// factor are reasonable things for an operator to retune on a live
// process, so they live here behind a mutex instead.
type tunables struct {
	mu                   sync.RWMutex
	evacTriggerThreshold float64
	thresholdGrowth      float64
	evacuationEnabled    bool
}

func newTunables() *tunables {
	return &tunables{
		evacTriggerThreshold: EvacTriggerThreshold,
		thresholdGrowth:      thresholdGrowth,
		evacuationEnabled:    UseEvacuation,
	}
}

func (t *tunables) snapshot() (evacTrigger, growth float64, evacOn bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.evacTriggerThreshold, t.thresholdGrowth, t.evacuationEnabled
}

func (t *tunables) apply(f tunableFile) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f.EvacTriggerThreshold > 0 {
		t.evacTriggerThreshold = f.EvacTriggerThreshold
	}
	if f.ThresholdGrowth > 0 {
		t.thresholdGrowth = f.ThresholdGrowth
	}
	t.evacuationEnabled = f.EvacuationEnabled
}

// tunableFile is the on-disk JSON shape read/watched by Config's
// hot-reload option, grounded on the teacher's functional-options
// Config/Option pattern (internal/allocator/allocator.go) and its
// fsnotify-based watch_fsnotify.go reload loop.
type tunableFile struct {
	EvacTriggerThreshold float64 `json:"evac_trigger_threshold"`
	ThresholdGrowth      float64 `json:"threshold_growth"`
	EvacuationEnabled    bool    `json:"evacuation_enabled"`
}

// Config configures a Heap. Construct with NewConfig and zero or more
// Options; every field has a working default so Config{} need never be
// built by hand.
type Config struct {
	HeapSize   uintptr
	VM         VMProvider
	Logger     *log.Logger
	ConfigPath string // optional: JSON file watched for tunables, see WithConfigFile

	tunables *tunables
}

// Option mutates a Config during construction, the teacher's
// functional-options idiom.
type Option func(*Config)

// WithHeapSize overrides the default initial virtual-memory reservation.
func WithHeapSize(bytes uintptr) Option {
	return func(c *Config) { c.HeapSize = bytes }
}

// WithVM overrides the VMProvider (defaults to UnixVM{}).
func WithVM(vm VMProvider) Option {
	return func(c *Config) { c.VM = vm }
}

// WithLogger overrides the destination for the collector's diagnostic
// logging (defaults to log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithConfigFile points at a JSON file of tunables to load at startup;
// Init also watches it and reloads it on every change.
func WithConfigFile(path string) Option {
	return func(c *Config) { c.ConfigPath = path }
}

const defaultHeapSize = uintptr(256 * 1024 * 1024)

// NewConfig builds a Config with defaults applied, then runs opts.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		HeapSize: defaultHeapSize,
		VM:       UnixVM{},
		Logger:   log.Default(),
		tunables: newTunables(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ConfigPath != "" {
		c.loadFile()
	}
	return c
}

func (c *Config) loadFile() {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		c.Logger.Printf("gc: config file %q not read (using defaults): %v", c.ConfigPath, err)
		return
	}
	var f tunableFile
	if err := json.Unmarshal(data, &f); err != nil {
		c.Logger.Printf("gc: config file %q invalid JSON, ignoring: %v", c.ConfigPath, err)
		return
	}
	c.tunables.apply(f)
}

// watchFile starts a goroutine that re-reads ConfigPath on every write
// event and applies it to tunables live, until stop is closed. Grounded
// on the teacher's now-superseded watch_fsnotify.go: same one-watcher,
// one-file, debounce-free reload loop, now retuning collector policy
// instead of compiler flags.
func (c *Config) watchFile(logger *log.Logger, stop <-chan struct{}) {
	if c.ConfigPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("gc: config hot-reload disabled, fsnotify init failed: %v", err)
		return
	}
	if err := watcher.Add(c.ConfigPath); err != nil {
		logger.Printf("gc: config hot-reload disabled, watch %q failed: %v", c.ConfigPath, err)
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					c.loadFile()
					logger.Printf("gc: reloaded tunables from %q", c.ConfigPath)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("gc: config watcher error: %v", err)
			case <-stop:
				return
			}
		}
	}()
}
