// Package vcs defines the version-control surface task handlers consume.
// The core never talks to git itself; handlers receive a Repository and
// record commits, tags, and branches against whatever backs it.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoCommits is returned by Head before the first commit.
var ErrNoCommits = errors.New("vcs: repository has no commits")

// Commit identifies one recorded commit.
type Commit struct {
	Hash      string
	Branch    string
	Message   string
	Author    string
	CreatedAt time.Time
}

// Repository is the contract handlers use for artifact version control.
// Implementations map these onto a real git remote; the in-memory Recorder
// serves tests and local mode.
type Repository interface {
	// Commit records the staged changes described by message on the
	// current branch and returns the new head.
	Commit(ctx context.Context, message, author string) (Commit, error)
	// Tag marks the current head with name.
	Tag(ctx context.Context, name string) error
	// CreateBranch creates a branch at the current head.
	CreateBranch(ctx context.Context, name string) error
	// Checkout switches the current branch.
	Checkout(ctx context.Context, branch string) error
	// Push publishes branch to the remote.
	Push(ctx context.Context, branch string) error
	// Head returns the latest commit on the current branch.
	Head(ctx context.Context) (Commit, error)
}

// Recorder is an in-memory Repository that remembers every operation in
// order. Hashes are synthetic but stable within a run.
type Recorder struct {
	mu      sync.Mutex
	branch  string
	commits map[string][]Commit // branch -> commits
	tags    map[string]string   // tag -> commit hash
	pushed  []string
	ops     []string
	seq     int
}

// NewRecorder creates a Recorder positioned on "main".
func NewRecorder() *Recorder {
	return &Recorder{
		branch:  "main",
		commits: map[string][]Commit{"main": nil},
		tags:    make(map[string]string),
	}
}

// Commit implements Repository.
func (r *Recorder) Commit(ctx context.Context, message, author string) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	c := Commit{
		Hash:      fmt.Sprintf("%040x", r.seq),
		Branch:    r.branch,
		Message:   message,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	r.commits[r.branch] = append(r.commits[r.branch], c)
	r.ops = append(r.ops, "commit "+r.branch+" "+message)
	return c, nil
}

// Tag implements Repository.
func (r *Recorder) Tag(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, err := r.headLocked()
	if err != nil {
		return err
	}
	r.tags[name] = head.Hash
	r.ops = append(r.ops, "tag "+name)
	return nil
}

// CreateBranch implements Repository.
func (r *Recorder) CreateBranch(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[name]; ok {
		return fmt.Errorf("vcs: branch %q already exists", name)
	}
	r.commits[name] = append([]Commit(nil), r.commits[r.branch]...)
	r.ops = append(r.ops, "branch "+name)
	return nil
}

// Checkout implements Repository.
func (r *Recorder) Checkout(ctx context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[branch]; !ok {
		return fmt.Errorf("vcs: unknown branch %q", branch)
	}
	r.branch = branch
	r.ops = append(r.ops, "checkout "+branch)
	return nil
}

// Push implements Repository.
func (r *Recorder) Push(ctx context.Context, branch string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[branch]; !ok {
		return fmt.Errorf("vcs: unknown branch %q", branch)
	}
	r.pushed = append(r.pushed, branch)
	r.ops = append(r.ops, "push "+branch)
	return nil
}

// Head implements Repository.
func (r *Recorder) Head(ctx context.Context) (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headLocked()
}

func (r *Recorder) headLocked() (Commit, error) {
	commits := r.commits[r.branch]
	if len(commits) == 0 {
		return Commit{}, ErrNoCommits
	}
	return commits[len(commits)-1], nil
}

// TagHash returns the commit hash a tag points at.
func (r *Recorder) TagHash(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash, ok := r.tags[name]
	return hash, ok
}

// Ops returns the recorded operation log, for assertions.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}
