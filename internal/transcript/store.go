package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/quillchat/quill/internal/log"
)

// Store persists transcripts as one JSON file per conversation under
// <root>/<ownerID>/<conversationID>.json. Writes are atomic (temp file +
// rename) and serialized per conversation through a sidecar flock, so a
// concurrent reader never observes a torn record.
//
// Read paths never fail to the caller: a missing or corrupt file degrades
// to an empty transcript and is reported through the logger only. A broken
// file on disk must not block the owner from starting a fresh turn.
type Store struct {
	root   string
	logger log.Logger
}

// NewStore creates a Store rooted at dir. The directory is created lazily
// on first save.
func NewStore(dir string, logger log.Logger) *Store {
	return &Store{root: dir, logger: logger}
}

// idPattern restricts owner and conversation ids to path-safe tokens.
// Anything else (separators, dots) could escape the storage root.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validID(id string) bool {
	return idPattern.MatchString(id)
}

func (s *Store) ownerDir(owner string) string {
	return filepath.Join(s.root, owner)
}

func (s *Store) path(owner, conv string) string {
	return filepath.Join(s.root, owner, conv+".json")
}

// Load reads a conversation transcript. Missing, empty, or corrupt storage
// all resolve to an empty sequence. The preamble selected by wantAugment is
// synthesized at slot 0 on every load: rewritten in place when a system
// message is already there, prepended otherwise.
func (s *Store) Load(owner, conv string, wantAugment bool) []Message {
	msgs := s.read(owner, conv)

	preamble := Preamble(wantAugment)
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		msgs[0].Content = preamble
		return msgs
	}
	return append([]Message{{Role: RoleSystem, Content: preamble}}, msgs...)
}

// read returns the raw stored sequence without preamble synthesis.
func (s *Store) read(owner, conv string) []Message {
	if !validID(owner) || !validID(conv) {
		s.logger.Warn("rejecting transcript id", "owner", owner, "conversation", conv)
		return nil
	}

	path := s.path(owner, conv)

	lock := flock.New(path + ".lock")
	if locked, err := lock.TryRLock(); err == nil && locked {
		defer func() { _ = lock.Unlock() }()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read transcript, treating as empty",
				"owner", owner, "conversation", conv, "error", err)
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("corrupt transcript, treating as empty",
			"owner", owner, "conversation", conv, "error", err)
		return nil
	}
	return msgs
}

// Save durably replaces the transcript for (owner, conv). The write goes to
// a temp file in the destination directory and is renamed into place; the
// rename also bumps the modification time used as the listing recency marker.
func (s *Store) Save(owner, conv string, msgs []Message) error {
	if !validID(owner) || !validID(conv) {
		return fmt.Errorf("invalid transcript id %q/%q", owner, conv)
	}

	dir := s.ownerDir(owner)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating owner directory: %w", err)
	}

	path := s.path(owner, conv)

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking transcript: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}

	tmp, err := os.CreateTemp(dir, conv+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing transcript: %w", err)
	}

	s.logger.Debug("saved transcript", "owner", owner, "conversation", conv, "messages", len(msgs))
	return nil
}

// Create allocates a new empty conversation for owner and persists it so it
// appears in listings immediately.
func (s *Store) Create(owner string) (Summary, error) {
	conv := uuid.NewString()
	if err := s.Save(owner, conv, nil); err != nil {
		return Summary{}, err
	}
	return Summary{ID: conv, Title: DefaultTitle}, nil
}

// List returns conversation summaries for owner, most recently modified
// first. An owner with no conversations yields an empty slice. Unreadable
// entries are skipped, not fatal.
func (s *Store) List(owner string) []Summary {
	if !validID(owner) {
		s.logger.Warn("rejecting owner id", "owner", owner)
		return nil
	}

	entries, err := os.ReadDir(s.ownerDir(owner))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to list conversations", "owner", owner, "error", err)
		}
		return []Summary{}
	}

	type entry struct {
		conv  string
		mtime int64
	}
	var found []entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, entry{
			conv:  strings.TrimSuffix(name, ".json"),
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].mtime > found[j].mtime })

	summaries := make([]Summary, 0, len(found))
	for _, e := range found {
		summaries = append(summaries, Summary{
			ID:    e.conv,
			Title: TitleFor(s.read(owner, e.conv)),
		})
	}
	return summaries
}

// Delete removes the transcript for (owner, conv). Idempotent: deleting an
// absent conversation is a no-op.
func (s *Store) Delete(owner, conv string) error {
	if !validID(owner) || !validID(conv) {
		return fmt.Errorf("invalid transcript id %q/%q", owner, conv)
	}

	path := s.path(owner, conv)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting transcript: %w", err)
	}
	// Best effort; a stale lock file is harmless.
	_ = os.Remove(path + ".lock")

	s.logger.Debug("deleted transcript", "owner", owner, "conversation", conv)
	return nil
}
