package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/bookmark-sync/internal/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

const (
	// chromiumFilePerm is the permission mode used when writing the
	// Bookmarks file.
	chromiumFilePerm = fs.FileMode(0o600)

	// chromiumSettle is how long the file must be quiet before it is
	// re-read. Browsers write the file as a burst of events.
	chromiumSettle = 300 * time.Millisecond

	// chromiumPollInterval is how often pending file changes are checked.
	chromiumPollInterval = 100 * time.Millisecond

	// windowsEpochDeltaMicros is the offset in microseconds between
	// 1601-01-01 (the Chromium time base) and the Unix epoch.
	windowsEpochDeltaMicros = 11644473600 * 1_000_000
)

// Root keys in the Bookmarks file.
const (
	rootBookmarkBar = "bookmark_bar"
	rootOther       = "other"
	rootSynced      = "synced"
)

type chromiumNode struct {
	Children     *[]chromiumNode   `json:"children,omitempty"`
	DateAdded    string            `json:"date_added"`
	DateLastUsed string            `json:"date_last_used,omitempty"`
	DateModified string            `json:"date_modified,omitempty"`
	GUID         string            `json:"guid"`
	ID           string            `json:"id"`
	MetaInfo     map[string]string `json:"meta_info,omitempty"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	URL          string            `json:"url,omitempty"`
}

type chromiumRoots struct {
	BookmarkBar *chromiumNode `json:"bookmark_bar,omitempty"`
	Other       *chromiumNode `json:"other,omitempty"`
	Synced      *chromiumNode `json:"synced,omitempty"`
}

type chromiumFile struct {
	Checksum     string        `json:"checksum,omitempty"`
	Roots        chromiumRoots `json:"roots"`
	SyncMetadata string        `json:"sync_metadata,omitempty"`
	Version      int           `json:"version"`
}

// Chromium is a Store backed by a Chromium profile's Bookmarks file.
//
// The file is loaded into a Memory tree. Every mutation rewrites the file
// atomically without a checksum, so the browser recomputes it on load.
// Watch picks up edits from other writers and reports them as events.
// A running browser keeps its own copy in memory and overwrites the file
// on its next save, so writes are only durable while it is closed.
type Chromium struct {
	*Memory

	path   string
	logger *slog.Logger

	// fileMu serializes file reads and writes with the mutations that
	// trigger them. Fields below are guarded by it.
	fileMu       sync.Mutex
	lastHash     [sha256.Size]byte
	attrs        map[string]chromiumNode
	rootKeys     map[string]string
	version      int
	syncMetadata string
}

// OpenChromium loads the Bookmarks file at path. A missing file is
// created with empty root folders.
func OpenChromium(path string, logger *slog.Logger) (*Chromium, error) {
	c := &Chromium{
		path:   filepath.Clean(path),
		logger: logger,
		attrs:  make(map[string]chromiumNode),
	}

	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		c.Memory = NewMemory()
		c.rootKeys = map[string]string{BookmarkBarID: rootBookmarkBar, OtherID: rootOther, MobileID: rootSynced}
		c.version = 1

		if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
			return nil, fmt.Errorf("%w: creating profile dir: %w", apperrors.ErrStoreUnavailable, err)
		}

		c.fileMu.Lock()
		defer c.fileMu.Unlock()

		if err := c.persistLocked(); err != nil {
			return nil, err
		}

		logger.Info("created bookmarks file", slog.String("path", c.path))

		return c, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", apperrors.ErrStoreUnavailable, c.path, err)
	}

	root, err := c.decode(data)
	if err != nil {
		return nil, err
	}

	defaultParent := OtherID
	for id, key := range c.rootKeys {
		if key == rootOther {
			defaultParent = id
		}
	}

	c.Memory = newMemoryFromTree(root, defaultParent)
	c.lastHash = sha256.Sum256(data)

	return c, nil
}

// Path returns the Bookmarks file location.
func (c *Chromium) Path() string {
	return c.path
}

// Create adds a node and writes the file.
func (c *Chromium) Create(ctx context.Context, p CreateParams) (*Node, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	n, err := c.Memory.Create(ctx, p)
	if err != nil {
		return nil, err
	}

	return n, c.persistLocked()
}

// Remove deletes a subtree and writes the file.
func (c *Chromium) Remove(ctx context.Context, id string) error {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	if err := c.Memory.Remove(ctx, id); err != nil {
		return err
	}

	return c.persistLocked()
}

// Move re-parents a node and writes the file.
func (c *Chromium) Move(ctx context.Context, id, newParentID string) (*Node, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	n, err := c.Memory.Move(ctx, id, newParentID)
	if err != nil {
		return nil, err
	}

	return n, c.persistLocked()
}

// Update changes a node and writes the file.
func (c *Chromium) Update(ctx context.Context, id string, ch Changes) (*Node, error) {
	c.fileMu.Lock()
	defer c.fileMu.Unlock()

	n, err := c.Memory.Update(ctx, id, ch)
	if err != nil {
		return nil, err
	}

	return n, c.persistLocked()
}

// Watch re-reads the file whenever another writer changes it, emitting
// the difference as events. It blocks until the context is cancelled.
func (c *Chromium) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Browsers replace the file by rename, so watch the directory.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watching profile dir: %w", err)
	}

	c.logger.Info("bookmarks file watcher started", slog.String("path", c.path))

	var changedAt time.Time

	ticker := time.NewTicker(chromiumPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != c.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				changedAt = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			c.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changedAt.IsZero() || time.Since(changedAt) < chromiumSettle {
				continue
			}

			changedAt = time.Time{}

			if err := c.Reload(); err != nil {
				c.logger.Warn("reloading bookmarks file", slog.String("error", err.Error()))
			}
		}
	}
}

// Reload re-reads the file and emits events for whatever another writer
// changed since the last read or write. Our own writes are recognised by
// content hash and produce no events.
func (c *Chromium) Reload() error {
	c.fileMu.Lock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		c.fileMu.Unlock()
		return fmt.Errorf("%w: reading %s: %w", apperrors.ErrStoreUnavailable, c.path, err)
	}

	sum := sha256.Sum256(data)
	if sum == c.lastHash {
		c.fileMu.Unlock()
		return nil
	}

	root, err := c.decode(data)
	if err != nil {
		c.fileMu.Unlock()
		return err
	}

	events := c.Memory.replace(root)
	c.lastHash = sum
	c.fileMu.Unlock()

	c.logger.Debug("bookmarks file changed externally", slog.Int("events", len(events)))
	c.Memory.emit(events...)

	return nil
}

// decode parses the file and refreshes the preserved attributes.
// Callers hold fileMu or own c exclusively.
func (c *Chromium) decode(data []byte) (*Node, error) {
	var f chromiumFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", apperrors.ErrStoreUnavailable, c.path, err)
	}

	c.attrs = make(map[string]chromiumNode)
	c.rootKeys = make(map[string]string)
	c.version = f.Version
	c.syncMetadata = f.SyncMetadata

	root := &Node{ID: RootID}

	for _, r := range []struct {
		key  string
		node *chromiumNode
	}{
		{rootBookmarkBar, f.Roots.BookmarkBar},
		{rootOther, f.Roots.Other},
		{rootSynced, f.Roots.Synced},
	} {
		if r.node == nil || r.node.ID == "" {
			continue
		}

		c.rootKeys[r.node.ID] = r.key
		root.Children = append(root.Children, c.fromChromium(*r.node, RootID))
	}

	if len(root.Children) == 0 {
		return nil, fmt.Errorf("%w: %s has no bookmark roots", apperrors.ErrStoreUnavailable, c.path)
	}

	return root, nil
}

func (c *Chromium) fromChromium(cn chromiumNode, parentID string) *Node {
	n := &Node{
		ID:        cn.ID,
		ParentID:  parentID,
		Title:     cn.Name,
		DateAdded: parseChromeTime(cn.DateAdded),
	}

	if cn.Type == "url" {
		n.URL = cn.URL
	}

	if cn.Children != nil {
		for _, child := range *cn.Children {
			n.Children = append(n.Children, c.fromChromium(child, cn.ID))
		}
	}

	cn.Children = nil
	c.attrs[cn.ID] = cn

	return n
}

func (c *Chromium) toChromium(n *Node) chromiumNode {
	cn := c.attrs[n.ID]
	cn.ID = n.ID
	cn.Name = n.Title
	cn.URL = n.URL

	if cn.GUID == "" {
		cn.GUID = uuid.NewString()
	}

	if cn.DateAdded == "" {
		cn.DateAdded = formatChromeTime(n.DateAdded)
	}

	c.attrs[n.ID] = cn

	if n.IsFolder() {
		cn.Type = "folder"

		children := make([]chromiumNode, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, c.toChromium(child))
		}

		cn.Children = &children
	} else {
		cn.Type = "url"
	}

	return cn
}

// persistLocked writes the current tree. Callers hold fileMu.
func (c *Chromium) persistLocked() error {
	tree, err := c.Memory.GetTree(context.Background())
	if err != nil {
		return err
	}

	f := chromiumFile{Version: c.version, SyncMetadata: c.syncMetadata}

	for _, top := range tree.Children {
		cn := c.toChromium(top)

		switch c.rootKeys[top.ID] {
		case rootBookmarkBar:
			f.Roots.BookmarkBar = &cn
		case rootOther:
			f.Roots.Other = &cn
		case rootSynced:
			f.Roots.Synced = &cn
		}
	}

	live := make(map[string]bool)
	tree.Walk(func(n *Node) bool {
		live[n.ID] = true
		return true
	})

	for id := range c.attrs {
		if !live[id] {
			delete(c.attrs, id)
		}
	}

	data, err := json.MarshalIndent(f, "", "   ")
	if err != nil {
		return fmt.Errorf("encoding bookmarks: %w", err)
	}

	if err := writeFileAtomic(c.path, data, chromiumFilePerm); err != nil {
		return fmt.Errorf("%w: writing %s: %w", apperrors.ErrStoreUnavailable, c.path, err)
	}

	c.lastHash = sha256.Sum256(data)

	return nil
}

func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bookmarks-*.tmp")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

func parseChromeTime(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}

	return time.UnixMicro(v - windowsEpochDeltaMicros)
}

func formatChromeTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}

	return strconv.FormatInt(t.UnixMicro()+windowsEpochDeltaMicros, 10)
}
