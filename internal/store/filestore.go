package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102T150405.000000000"

// FileStore keeps the entire State in memory and persists it to a single
// JSON document. Every mutation rewrites the document through a temp file
// and an atomic rename; the previous version is rotated into a timestamped
// backup first. A sync.RWMutex makes the whole read-modify-write cycle of
// each mutating method a critical section, which is what rules out lost
// updates between concurrent chat completions.
type FileStore struct {
	path     string
	lockPath string
	backups  int

	mu    sync.RWMutex
	state *State
}

// OpenFile loads (or initializes) the canonical document at path. backups is
// the number of rotated copies to retain; zero disables rotation. A missing
// file starts empty; a corrupt file falls back to the newest parseable
// backup, else empty. Corruption is logged, never fatal.
func OpenFile(path string, backups int) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	lockPath := path + ".lock"
	if err := acquireLock(lockPath); err != nil {
		return nil, err
	}

	fs := &FileStore{
		path:     path,
		lockPath: lockPath,
		backups:  backups,
	}
	fs.state = fs.load()
	return fs, nil
}

// load never fails: it degrades from canonical file to newest valid backup
// to empty state.
func (fs *FileStore) load() *State {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		slog.Info("no existing state document, starting empty", "path", fs.path)
		return NewState()
	}
	if err == nil {
		if st, perr := parseState(data); perr == nil {
			return st
		} else {
			slog.Warn("state document corrupt, trying backups", "path", fs.path, "error", perr)
		}
	} else {
		slog.Warn("reading state document, trying backups", "path", fs.path, "error", err)
	}

	for _, backup := range fs.backupFiles() {
		data, err := os.ReadFile(backup)
		if err != nil {
			continue
		}
		st, perr := parseState(data)
		if perr != nil {
			slog.Warn("backup unreadable, skipping", "path", backup, "error", perr)
			continue
		}
		slog.Warn("recovered state from backup", "path", backup)
		return st
	}

	slog.Warn("no valid backup found, starting empty", "path", fs.path)
	return NewState()
}

func parseState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	if st.Users == nil {
		st.Users = make(map[string]*User)
	}
	if st.Chats == nil {
		st.Chats = make(map[string]*Chat)
	}
	return &st, nil
}

// backupFiles returns existing backups newest first.
func (fs *FileStore) backupFiles() []string {
	matches, err := filepath.Glob(fs.backupGlob())
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (fs *FileStore) backupGlob() string {
	ext := filepath.Ext(fs.path)
	base := strings.TrimSuffix(fs.path, ext)
	return base + "-*" + ext + ".bak"
}

func (fs *FileStore) backupName(now time.Time) string {
	ext := filepath.Ext(fs.path)
	base := strings.TrimSuffix(fs.path, ext)
	return base + "-" + now.UTC().Format(backupTimeFormat) + ext + ".bak"
}

// save persists the current state. Callers must hold fs.mu for writing.
// The canonical file is copied aside before the rename so that a crash at
// any point leaves either the old document or the new one, never a torn
// write and never nothing at all.
func (fs *FileStore) save() error {
	data, err := json.MarshalIndent(fs.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	if fs.backups > 0 {
		if err := fs.rotateBackup(); err != nil {
			slog.Warn("rotating backup", "error", err)
		}
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state document: %w", err)
	}
	return nil
}

// rotateBackup copies (not renames) the current canonical file so the
// canonical path stays intact until the atomic replace.
func (fs *FileStore) rotateBackup() error {
	current, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading current document: %w", err)
	}

	name := fs.backupName(time.Now())
	if err := os.WriteFile(name, current, 0o644); err != nil {
		return fmt.Errorf("writing backup: %w", err)
	}

	backups := fs.backupFiles()
	for i := fs.backups; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil {
			slog.Warn("pruning old backup", "path", backups[i], "error", err)
		}
	}
	return nil
}

func (fs *FileStore) GetUser(ctx context.Context, id string) (*User, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return cloneUser(fs.state.Users[id]), nil
}

func (fs *FileStore) PutUser(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Users[u.ID] = cloneUser(u)
	return fs.save()
}

func (fs *FileStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, ok := fs.state.Users[id]
	if !ok {
		return ErrNotFound
	}
	// Mutate a copy so a failed fn or save leaves stored state untouched.
	updated := cloneUser(current)
	if err := fn(updated); err != nil {
		return err
	}
	fs.state.Users[id] = updated
	return fs.save()
}

func (fs *FileStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return cloneChat(fs.state.Chats[id]), nil
}

func (fs *FileStore) CreateChat(ctx context.Context, c *Chat) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.state.Chats[c.ID]; exists {
		return fmt.Errorf("chat %s already exists", c.ID)
	}
	fs.state.Chats[c.ID] = cloneChat(c)
	return fs.save()
}

func (fs *FileStore) ListChatsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*Chat, int64, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var owned []*Chat
	for _, c := range fs.state.Chats {
		if c.OwnerID == ownerID {
			owned = append(owned, c)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].ID < owned[j].ID
	})

	total := int64(len(owned))
	if offset >= len(owned) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(owned) {
		end = len(owned)
	}

	page := make([]*Chat, 0, end-offset)
	for _, c := range owned[offset:end] {
		page = append(page, cloneChat(c))
	}
	return page, total, nil
}

func (fs *FileStore) AppendExchange(ctx context.Context, chatID string, userMsg, assistantMsg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	chat, ok := fs.state.Chats[chatID]
	if !ok {
		return ErrNotFound
	}
	chat.Messages = append(chat.Messages, userMsg, assistantMsg)
	if err := fs.save(); err != nil {
		// Roll back the in-memory append so memory and disk stay agreed.
		chat.Messages = chat.Messages[:len(chat.Messages)-2]
		return err
	}
	return nil
}

func (fs *FileStore) SetChatTitle(ctx context.Context, chatID, title string) error {
	return fs.updateChat(ctx, chatID, func(c *Chat) {
		c.Title = title
	})
}

func (fs *FileStore) SetChatVisibility(ctx context.Context, chatID, visibility string) error {
	return fs.updateChat(ctx, chatID, func(c *Chat) {
		c.Visibility = visibility
	})
}

func (fs *FileStore) updateChat(ctx context.Context, chatID string, fn func(*Chat)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current, ok := fs.state.Chats[chatID]
	if !ok {
		return ErrNotFound
	}
	updated := cloneChat(current)
	fn(updated)
	fs.state.Chats[chatID] = updated
	return fs.save()
}

func (fs *FileStore) DeleteChat(ctx context.Context, chatID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.state.Chats[chatID]; !ok {
		return ErrNotFound
	}
	delete(fs.state.Chats, chatID)
	return fs.save()
}

func (fs *FileStore) GetSettings(ctx context.Context) (Settings, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.state.Settings, nil
}

func (fs *FileStore) SetAnnouncement(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.state.Settings.Announcement = text
	return fs.save()
}

func (fs *FileStore) GetAPIKey(ctx context.Context, prefix string) (*APIKey, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, k := range fs.state.APIKeys {
		if k.Prefix == prefix {
			return cloneAPIKey(k), nil
		}
	}
	return nil, nil
}

func (fs *FileStore) PutAPIKey(ctx context.Context, key *APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i, k := range fs.state.APIKeys {
		if k.Prefix == key.Prefix {
			fs.state.APIKeys[i] = cloneAPIKey(key)
			return fs.save()
		}
	}
	fs.state.APIKeys = append(fs.state.APIKeys, cloneAPIKey(key))
	return fs.save()
}

func (fs *FileStore) TouchAPIKey(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, k := range fs.state.APIKeys {
		if k.Prefix == prefix {
			k.LastUsed = time.Now().UTC()
			return fs.save()
		}
	}
	return ErrNotFound
}

func (fs *FileStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(fs.path)); err != nil {
		return fmt.Errorf("store directory unavailable: %w", err)
	}
	return nil
}

func (fs *FileStore) Close() error {
	return releaseLock(fs.lockPath)
}
