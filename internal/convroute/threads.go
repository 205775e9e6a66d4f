package convroute

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ThreadInfo is where a conversation physically lives on the chat surface.
type ThreadInfo struct {
	ThreadID   string    `json:"threadId"`
	ChannelID  string    `json:"channelId"`
	ThreadName string    `json:"threadName"`
	Agents     []string  `json:"agents"`
	CreatedAt  time.Time `json:"createdAt"`
}

type threadFile struct {
	Version   int                   `json:"version"`
	Entries   map[string]ThreadInfo `json:"entries"`
	UpdatedAt time.Time             `json:"updatedAt"`
}

// ThreadCache maps conversationId -> thread metadata, with a secondary
// index by agent pair so a new exchange between two known agents reuses
// their most recent thread instead of opening another one.
type ThreadCache struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]ThreadInfo
	byPair  map[string]string // pair key -> conversationId of newest thread
}

func NewThreadCache(path string, logger *slog.Logger) (*ThreadCache, error) {
	cache := &ThreadCache{
		path:    path,
		logger:  logger,
		entries: make(map[string]ThreadInfo),
		byPair:  make(map[string]string),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cache, nil
		}
		return nil, fmt.Errorf("read thread cache: %w", err)
	}
	var file threadFile
	if err := json.Unmarshal(data, &file); err != nil {
		logger.Warn("thread cache unreadable, starting empty", "path", path, "error", err)
		return cache, nil
	}
	if file.Entries != nil {
		cache.entries = file.Entries
	}
	cache.rebuildPairIndexLocked()
	return cache, nil
}

// Put registers a thread for a conversation and persists the cache. The
// agent pair is normalized before storage.
func (c *ThreadCache) Put(conversationID string, info ThreadInfo) error {
	if conversationID == "" {
		return fmt.Errorf("put thread: empty conversation id")
	}
	if len(info.Agents) == 2 {
		first, second := PairKeyParts(info.Agents[0], info.Agents[1])
		info.Agents = []string{first, second}
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	previous, had := c.entries[conversationID]
	c.entries[conversationID] = info
	c.rebuildPairIndexLocked()
	if err := c.persistLocked(); err != nil {
		if had {
			c.entries[conversationID] = previous
		} else {
			delete(c.entries, conversationID)
		}
		c.rebuildPairIndexLocked()
		return err
	}
	return nil
}

func (c *ThreadCache) Get(conversationID string) (ThreadInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[conversationID]
	return info, ok
}

// LatestForPair returns the most recent thread two agents share, in either
// participant order.
func (c *ThreadCache) LatestForPair(agentA, agentB string) (string, ThreadInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conversationID, ok := c.byPair[PairKey(agentA, agentB)]
	if !ok {
		return "", ThreadInfo{}, false
	}
	info, ok := c.entries[conversationID]
	if !ok {
		return "", ThreadInfo{}, false
	}
	return conversationID, info, true
}

func (c *ThreadCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ThreadCache) rebuildPairIndexLocked() {
	byPair := make(map[string]string, len(c.entries))
	newest := make(map[string]time.Time, len(c.entries))
	for conversationID, info := range c.entries {
		if len(info.Agents) != 2 {
			continue
		}
		key := PairKey(info.Agents[0], info.Agents[1])
		if at, ok := newest[key]; !ok || info.CreatedAt.After(at) {
			newest[key] = info.CreatedAt
			byPair[key] = conversationID
		}
	}
	c.byPair = byPair
}

func (c *ThreadCache) persistLocked() error {
	file := threadFile{
		Version:   indexFileVersion,
		Entries:   c.entries,
		UpdatedAt: time.Now().UTC(),
	}
	return writeJSONAtomic(c.path, file)
}
