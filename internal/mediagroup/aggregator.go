package mediagroup

import (
	"fmt"
	"sync"
	"time"
)

// File points at one Telegram upload of an album.
type File struct {
	FileID   string
	FileName string
	MimeType string
	// Document is set for files sent uncompressed.
	Document bool
}

type Item struct {
	ChatID       int64
	UserID       int64
	Username     string
	MediaGroupID string
	Caption      string
	File         File
}

// Group is a settled album. The wizard works on one image, so callers
// normally take First and tell the user the rest were skipped.
type Group struct {
	ChatID   int64
	UserID   int64
	Username string
	Caption  string
	Files    []File
}

func (g Group) First() File {
	if len(g.Files) == 0 {
		return File{}
	}
	return g.Files[0]
}

func (g Group) Skipped() int {
	return max(len(g.Files)-1, 0)
}

type Options struct {
	Debounce time.Duration
	OnFlush  func(Group)
}

type Aggregator struct {
	mu       sync.Mutex
	debounce time.Duration
	onFlush  func(Group)
	groups   map[string]*pendingGroup
	stopped  bool
}

type pendingGroup struct {
	group Group
	timer *time.Timer
}

func New(opts Options) *Aggregator {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 1200 * time.Millisecond
	}

	return &Aggregator{
		debounce: debounce,
		onFlush:  opts.OnFlush,
		groups:   make(map[string]*pendingGroup),
	}
}

// Add buffers one album item and restarts the album's debounce timer.
// It reports false for items that are not part of an album.
func (a *Aggregator) Add(item Item) bool {
	if item.MediaGroupID == "" || item.File.FileID == "" {
		return false
	}

	key := makeKey(item.ChatID, item.UserID, item.MediaGroupID)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}

	pg, ok := a.groups[key]
	if !ok {
		pg = &pendingGroup{
			group: Group{
				ChatID:   item.ChatID,
				UserID:   item.UserID,
				Username: item.Username,
				Caption:  item.Caption,
			},
		}
		a.groups[key] = pg
	}
	pg.group.Files = append(pg.group.Files, item.File)
	if pg.group.Caption == "" && item.Caption != "" {
		pg.group.Caption = item.Caption
	}

	if pg.timer != nil {
		pg.timer.Stop()
	}
	pg.timer = time.AfterFunc(a.debounce, func() {
		a.flush(key)
	})
	return true
}

func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.groups)
}

// Stop cancels pending timers and drops buffered albums.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopped = true
	for key, pg := range a.groups {
		if pg.timer != nil {
			pg.timer.Stop()
		}
		delete(a.groups, key)
	}
}

func (a *Aggregator) flush(key string) {
	a.mu.Lock()
	pg, ok := a.groups[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.groups, key)
	group := pg.group
	onFlush := a.onFlush
	a.mu.Unlock()

	if onFlush != nil {
		onFlush(group)
	}
}

func makeKey(chatID, userID int64, mediaGroupID string) string {
	return fmt.Sprintf("%d:%d:%s", chatID, userID, mediaGroupID)
}
