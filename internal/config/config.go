// Package config loads crawlord's YAML configuration and hot-reloads it
// via fsnotify, in the debounced-watch idiom the teacher uses for its
// policy bundle reloader.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// StateDeadlines maps a non-terminal status name to its lease TTL.
type StateDeadlines map[string]time.Duration

// Config is the full recognized-options table from SPEC_FULL.md §8.
type Config struct {
	Dispatcher struct {
		Interval  time.Duration `yaml:"interval"`
		BatchSize int           `yaml:"batch_size"`
	} `yaml:"dispatcher"`

	StateDeadline map[string]time.Duration `yaml:"state_deadline"`

	Backoff struct {
		Base time.Duration `yaml:"base"`
		Cap  time.Duration `yaml:"cap"`
	} `yaml:"backoff"`

	Proxy struct {
		BindingFailureThreshold int `yaml:"binding_failure_threshold"`
		GlobalFailureThreshold  int `yaml:"global_failure_threshold"`
	} `yaml:"proxy"`

	Broker struct {
		Prefetch int `yaml:"prefetch"`
	} `yaml:"broker"`

	Queue struct {
		MaxLength int `yaml:"max_length"`
	} `yaml:"queue"`

	TTL struct {
		Work     time.Duration `yaml:"work"`
		Priority time.Duration `yaml:"priority"`
	} `yaml:"ttl"`

	URLNormalize map[string]bool `yaml:"url_normalize"`

	HTTPAPI struct {
		JWTSecretEnv string `yaml:"jwt_secret_env"`
		ListenAddr   string `yaml:"listen_addr"`
	} `yaml:"httpapi"`

	ConfigWatch bool `yaml:"config.watch"`
}

// Default returns the built-in defaults.
func Default() *Config {
	c := &Config{}
	c.Dispatcher.Interval = 10 * time.Second
	c.Dispatcher.BatchSize = 100
	c.StateDeadline = map[string]time.Duration{
		"queued":       2 * time.Minute,
		"crawling":     5 * time.Minute,
		"queued_parse": 5 * time.Minute,
		"parsing":      2 * time.Minute,
	}
	c.Backoff.Base = 2 * time.Second
	c.Backoff.Cap = 10 * time.Minute
	c.Proxy.BindingFailureThreshold = 5
	c.Proxy.GlobalFailureThreshold = 10
	c.Broker.Prefetch = 10
	c.Queue.MaxLength = 100000
	c.TTL.Work = 24 * time.Hour
	c.TTL.Priority = time.Hour
	c.URLNormalize = map[string]bool{
		"lowercase_authority": true,
		"drop_fragment":       true,
		"sort_query":          true,
		"drop_empty_query":    true,
		"percent_normalize":   true,
	}
	c.HTTPAPI.JWTSecretEnv = "CRAWLORD_JWT_SECRET"
	c.HTTPAPI.ListenAddr = ":8080"
	return c
}

// Load reads and parses a YAML config file, layering it over Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// StateDeadlineFor returns the lease TTL for a status name, falling back to
// 5 minutes if unconfigured.
func (c *Config) StateDeadlineFor(status string) time.Duration {
	if d, ok := c.StateDeadline[status]; ok {
		return d
	}
	return 5 * time.Minute
}

// Watcher hot-reloads a Config from disk on file change, debouncing rapid
// writes the way the teacher's policy bundle watcher does.
type Watcher struct {
	mu   sync.RWMutex
	path string
	cur  *Config
}

// NewWatcher loads path once and returns a Watcher holding it.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, cur: cfg}, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Watch blocks, reloading the config on every debounced change event until
// stop is closed. onReload is invoked with nil on a successful reload or with
// the reload error otherwise; callers typically log it.
func (w *Watcher) Watch(stop <-chan struct{}, onReload func(error)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onReload(err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		onReload(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			onReload(err)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				onReload(err)
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			slog.Info("config reloaded", "path", w.path)
			onReload(nil)
		}
	}
}
