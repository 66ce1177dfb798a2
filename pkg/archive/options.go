package archive

import (
	"io/fs"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Amaury/arkiv-lock/pkg/config"
	"github.com/Amaury/arkiv-lock/pkg/lock"
)

type options struct {
	cfg  *config.Config
	log  *logrus.Logger
	lock *lock.Lock
}

// Option configures a Writer or a Reader.
type Option func(*options)

// WithConfig selects the algorithms of a Writer and the default log level.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithLogger sets the logger. Without it a logger at the configured level
// (warning by default) writing to stderr is used.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithLock hands a Reader the lock instance to use. It must encode the same
// lock as the one embedded in the archive. Writers ignore it.
func WithLock(l *lock.Lock) Option {
	return func(o *options) { o.lock = l }
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.log == nil {
		lvl, err := o.cfg.Level()
		if err != nil {
			return nil, err
		}
		o.log = logrus.New()
		o.log.SetLevel(lvl)
	}
	return o, nil
}

type entryOptions struct {
	mode    fs.FileMode
	modTime time.Time
}

// EntryOption sets metadata of one entry.
type EntryOption func(*entryOptions)

// WithMode records the permission bits of the entry. Default 0644.
func WithMode(m fs.FileMode) EntryOption {
	return func(o *entryOptions) { o.mode = m.Perm() }
}

// WithModTime records the modification time, truncated to the second.
// Default is the time the entry was opened.
func WithModTime(t time.Time) EntryOption {
	return func(o *entryOptions) { o.modTime = t }
}
