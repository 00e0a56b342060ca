// Package revisions keeps a git history of each manuscript's metadata and file
// pointer. Every submission, resubmission and editorial rewrite is one commit
// of manifest.json on the main branch.
package revisions

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"manuscript/api/internal/store"
)

const manifestFile = "manifest.json"

type Manifest struct {
	Title      string         `json:"title"`
	AuthorLine string         `json:"authorLine"`
	Authors    []store.Author `json:"authors"`
	Abstract   string         `json:"abstract"`
	Subject    string         `json:"subject"`
	Type       string         `json:"type"`
	FileURL    string         `json:"fileUrl"`
	FileHash   string         `json:"fileHash"`
	FileExt    string         `json:"fileExt"`
	Status     string         `json:"status"`
	Venue      string         `json:"venue,omitempty"`
	Pool       []string       `json:"pool,omitempty"`
	FundIDs    []string       `json:"fundIds,omitempty"`
}

func ManifestOf(m store.Manuscript) Manifest {
	manifest := Manifest{
		Title:      m.Title,
		AuthorLine: m.AuthorLine,
		Authors:    m.Authors,
		Abstract:   m.Abstract,
		Subject:    m.Subject,
		Type:       m.Type,
		FileURL:    m.FileURL,
		FileHash:   m.FileHash,
		FileExt:    m.FileExt,
		Status:     m.Status,
		Pool:       m.Pool,
		FundIDs:    m.FundIDs,
	}
	if m.LockedVenueID != nil {
		manifest.Venue = *m.LockedVenueID
	}
	return manifest
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	Changed   []string  `json:"changed"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits manifest as the newest revision of the manuscript, creating
// the repository on first use.
func (a *Archive) Record(manuscriptID string, manifest Manifest, author, message string) (Commit, error) {
	lock := a.manuscriptLock(manuscriptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(manuscriptID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), manifestFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write manifest: %w", err)
	}
	if _, err := worktree.Add(manifestFile); err != nil {
		return Commit{}, fmt.Errorf("git add manifest: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@manuscripts.local", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit manifest: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists revisions newest first. A manuscript without a repository has
// an empty history.
func (a *Archive) History(manuscriptID string, limit int) ([]Commit, error) {
	lock := a.manuscriptLock(manuscriptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(manuscriptID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		item := toCommit(commitObj)
		changed, err := changedAgainstParent(commitObj)
		if err != nil {
			return err
		}
		item.Changed = changed
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ManifestAt returns the manifest stored in the given commit.
func (a *Archive) ManifestAt(manuscriptID, hash string) (Manifest, error) {
	lock := a.manuscriptLock(manuscriptID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(manuscriptID))
	if err != nil {
		return Manifest{}, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Manifest{}, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Manifest{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readManifest(commitObj)
}

// Remove drops the manuscript's repository.
func (a *Archive) Remove(manuscriptID string) error {
	lock := a.manuscriptLock(manuscriptID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(a.repoPath(manuscriptID)); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (a *Archive) openOrInit(manuscriptID string) (*git.Repository, error) {
	path := a.repoPath(manuscriptID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *Archive) repoPath(manuscriptID string) string {
	return filepath.Join(a.baseDir, manuscriptID)
}

func (a *Archive) manuscriptLock(manuscriptID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[manuscriptID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[manuscriptID] = lock
	return lock
}

func readManifest(commitObj *object.Commit) (Manifest, error) {
	file, err := commitObj.File(manifestFile)
	if err != nil {
		return Manifest{}, fmt.Errorf("load manifest from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest bytes: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return manifest, nil
}

func changedAgainstParent(commitObj *object.Commit) ([]string, error) {
	current, err := readManifest(commitObj)
	if err != nil {
		return nil, err
	}
	if commitObj.NumParents() == 0 {
		return ChangedFields(Manifest{}, current), nil
	}
	parent, err := commitObj.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("load parent commit: %w", err)
	}
	previous, err := readManifest(parent)
	if err != nil {
		return nil, err
	}
	return ChangedFields(previous, current), nil
}

// ChangedFields names the manifest fields that differ, in a fixed order.
func ChangedFields(from, to Manifest) []string {
	pairs := []struct {
		field  string
		before any
		after  any
	}{
		{"title", from.Title, to.Title},
		{"authorLine", from.AuthorLine, to.AuthorLine},
		{"authors", from.Authors, to.Authors},
		{"abstract", from.Abstract, to.Abstract},
		{"subject", from.Subject, to.Subject},
		{"type", from.Type, to.Type},
		{"file", from.FileHash + from.FileExt, to.FileHash + to.FileExt},
		{"status", from.Status, to.Status},
		{"venue", from.Venue, to.Venue},
		{"pool", from.Pool, to.Pool},
		{"funds", from.FundIDs, to.FundIDs},
	}
	changed := make([]string, 0)
	for _, pair := range pairs {
		if !reflect.DeepEqual(emptyAsNil(pair.before), emptyAsNil(pair.after)) {
			changed = append(changed, pair.field)
		}
	}
	return changed
}

func emptyAsNil(value any) any {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
	case []store.Author:
		if len(v) == 0 {
			return nil
		}
	}
	return value
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
