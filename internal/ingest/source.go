package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/domain"
)

// Fetched is one message from a source together with the cursor that marks
// it processed. Err is set when the raw message could not be normalized; the
// poller records it and moves past it.
type Fetched struct {
	Cursor  string
	Message domain.InboundMessage
	Err     error
}

// Source delivers inbound messages after a cursor, in order.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cursor string, limit int) ([]Fetched, error)
}

// Waker is implemented by sources that can signal new input early.
type Waker interface {
	Wake() <-chan struct{}
}

// SpoolSource reads .eml files from a directory in lexical order. The cursor
// is the last processed file name.
type SpoolSource struct {
	dir        string
	normalizer *Normalizer
	logger     *zap.Logger
	wake       chan struct{}
}

// NewSpoolSource constructs a spool source over dir.
func NewSpoolSource(dir string, normalizer *Normalizer, logger *zap.Logger) *SpoolSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	return &SpoolSource{
		dir:        dir,
		normalizer: normalizer,
		logger:     logger.Named("spool"),
		wake:       make(chan struct{}, 1),
	}
}

func (s *SpoolSource) Name() string {
	return "spool:" + s.dir
}

func (s *SpoolSource) Fetch(ctx context.Context, cursor string, limit int) ([]Fetched, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool %s: %w", s.dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".eml") {
			continue
		}
		if entry.Name() > cursor {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]Fetched, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		item := Fetched{Cursor: name}
		f, err := os.Open(filepath.Join(s.dir, name))
		if err != nil {
			return out, err
		}
		item.Message, item.Err = s.normalizer.Normalize(f)
		f.Close()
		out = append(out, item)
	}
	return out, nil
}

// Wake fires when a new file lands in the spool while Watch runs.
func (s *SpoolSource) Wake() <-chan struct{} {
	return s.wake
}

// Watch forwards fsnotify create/rename events as wake-ups until ctx ends.
func (s *SpoolSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.logger.Info("watching spool directory", zap.String("dir", s.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".eml") {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}
