package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultMaxIndex is the highest videoN index scanned.
const DefaultMaxIndex = 9

// ErrNotFound is returned when no scanned node matches.
var ErrNotFound = errors.New("no matching video device")

var nodeName = regexp.MustCompile(`^video[0-9]+$`)

// Node is a video node and the USB identity behind it.
type Node struct {
	Index    int
	Path     string
	Identity Identity
}

// Locator maps USB identities to /dev/videoN paths by reading
// <SysfsRoot>/videoN/device/modalias.
type Locator struct {
	SysfsRoot string // usually /sys/class/video4linux
	DevRoot   string // usually /dev
	MaxIndex  int
	Logger    *zap.Logger

	// PollInterval is how often Wait rescans when no filesystem event
	// arrives.
	PollInterval time.Duration
}

// NewLocator returns a Locator for the running system.
func NewLocator(logger *zap.Logger) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{
		SysfsRoot:    "/sys/class/video4linux",
		DevRoot:      "/dev",
		MaxIndex:     DefaultMaxIndex,
		Logger:       logger,
		PollInterval: time.Second,
	}
}

func (l *Locator) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger
}

// Find returns the path of the lowest-numbered node whose modalias matches
// id. Nodes with a missing or malformed modalias are skipped.
func (l *Locator) Find(id Identity) (string, error) {
	for i := 0; i <= l.MaxIndex; i++ {
		got, ok := l.identity(i)
		if ok && got == id {
			path := filepath.Join(l.DevRoot, "video"+strconv.Itoa(i))
			l.logger().Debug("matched video node", zap.String("path", path), zap.Stringer("id", id))
			return path, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNotFound, id)
}

// List returns every scanned node that has a USB modalias.
func (l *Locator) List() ([]Node, error) {
	var r []Node
	for i := 0; i <= l.MaxIndex; i++ {
		got, ok := l.identity(i)
		if !ok {
			continue
		}
		r = append(r, Node{
			Index:    i,
			Path:     filepath.Join(l.DevRoot, "video"+strconv.Itoa(i)),
			Identity: got,
		})
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("listing devices: %w", ErrNotFound)
	}
	return r, nil
}

// Wait blocks until a node matching id appears or ctx is done. It watches
// DevRoot for new videoN entries and rescans periodically in case the
// sysfs attributes show up after the device node.
func (l *Locator) Wait(ctx context.Context, id Identity) (string, error) {
	if path, err := l.Find(id); err == nil {
		return path, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("creating watcher: %v", err)
	}
	defer w.Close()
	if err := w.Add(l.DevRoot); err != nil {
		return "", fmt.Errorf("watching %s: %v", l.DevRoot, err)
	}

	interval := l.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	l.logger().Info("waiting for video device", zap.Stringer("id", id))
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return "", errors.New("watcher closed")
			}
			if ev.Op&fsnotify.Create == 0 || !nodeName.MatchString(filepath.Base(ev.Name)) {
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				return "", errors.New("watcher closed")
			}
			l.logger().Warn("watch error", zap.Error(err))
			continue
		case <-t.C:
		}
		if path, err := l.Find(id); err == nil {
			return path, nil
		}
	}
}

func (l *Locator) identity(index int) (Identity, bool) {
	p := filepath.Join(l.SysfsRoot, "video"+strconv.Itoa(index), "device", "modalias")
	buf, err := os.ReadFile(p)
	if err != nil {
		l.logger().Debug("skipping node", zap.Int("index", index), zap.Error(err))
		return Identity{}, false
	}
	fields := strings.Fields(string(buf))
	if len(fields) == 0 {
		l.logger().Debug("skipping node, empty modalias", zap.Int("index", index), zap.String("path", p))
		return Identity{}, false
	}
	id, err := ParseModalias(fields[0])
	if err != nil {
		l.logger().Debug("skipping node", zap.Int("index", index), zap.Error(err))
		return Identity{}, false
	}
	return id, true
}
