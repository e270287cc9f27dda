package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"

	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// SkillVerdict is the proposal classifier's outcome.
type SkillVerdict string

const (
	SkillAutoApprove SkillVerdict = "AUTO_APPROVE"
	SkillNeedsReview SkillVerdict = "NEEDS_REVIEW"
	SkillReject      SkillVerdict = "REJECT"
)

var (
	// hardReject matches content a skill must never be allowed to
	// contain, regardless of review.
	hardReject = []*regexp.Regexp{
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile("`[^`]*;\\s*(rm|curl|wget)\\b"),
		regexp.MustCompile(`\$\([^)]*\)`),
	}
	// capabilityTrigger matches content that needs a human look before
	// committing.
	capabilityTrigger = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bos\.(environ|getenv)\b`),
		regexp.MustCompile(`(?i)\bhttps?://`),
		regexp.MustCompile(`(?i)\bsubprocess\b|\bexec\.Command\b`),
	}
)

// Classify maps proposed skill content to a verdict.
func Classify(content string) SkillVerdict {
	for _, re := range hardReject {
		if re.MatchString(content) {
			return SkillReject
		}
	}
	for _, re := range capabilityTrigger {
		if re.MatchString(content) {
			return SkillNeedsReview
		}
	}
	return SkillAutoApprove
}

// SkillStore is a git-backed, versioned, revertible skill directory.
// Pending NEEDS_REVIEW proposals are held in memory keyed by id until a
// human approves or rejects them out of band.
type SkillStore struct {
	dir  string
	repo *git.Repository

	mu      sync.Mutex
	pending map[string]pendingProposal
}

type pendingProposal struct {
	Skill   string
	Content string
}

// OpenSkillStore opens (initializing if needed) a git repo at dir to
// back the skills store.
func OpenSkillStore(dir string) (*SkillStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("skillstore: mkdir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		repo, err = git.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("skillstore: init repo: %w", err)
		}
	}
	return &SkillStore{dir: dir, repo: repo, pending: make(map[string]pendingProposal)}, nil
}

func (s *SkillStore) commit(skill, content, message string) (string, error) {
	path := filepath.Join(s.dir, skill+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("skillstore: write: %w", err)
	}

	wt, err := s.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("skillstore: worktree: %w", err)
	}
	if _, err := wt.Add(skill + ".md"); err != nil {
		return "", fmt.Errorf("skillstore: add: %w", err)
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "ax", Email: "ax@localhost"},
	})
	if err != nil {
		return "", fmt.Errorf("skillstore: commit: %w", err)
	}
	return hash.String(), nil
}

// Propose handles skill_propose: {skill, content, reason} -> {id, verdict, reason?}.
func (s *SkillStore) Propose(ctx context.Context, reqCtx ipc.Context, payload map[string]interface{}) (ipcproto.Result, error) {
	skill, _ := payload["skill"].(string)
	content, _ := payload["content"].(string)
	reason, _ := payload["reason"].(string)
	if skill == "" || content == "" {
		return nil, fmt.Errorf("skill and content are required")
	}

	verdict := Classify(content)
	id := uuid.NewString()

	switch verdict {
	case SkillReject:
		return ipcproto.Result{"id": id, "verdict": string(verdict), "reason": reason}, nil
	case SkillNeedsReview:
		s.mu.Lock()
		s.pending[id] = pendingProposal{Skill: skill, Content: content}
		s.mu.Unlock()
		return ipcproto.Result{"id": id, "verdict": string(verdict), "reason": reason}, nil
	default: // SkillAutoApprove
		commit, err := s.commit(skill, content, fmt.Sprintf("auto-approve %s: %s", skill, reason))
		if err != nil {
			return nil, err
		}
		return ipcproto.Result{"id": id, "verdict": string(verdict), "commit": commit}, nil
	}
}

// Approve commits a pending NEEDS_REVIEW proposal and returns the
// resulting commit hash.
func (s *SkillStore) Approve(id string) (string, error) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("skillstore: no pending proposal %s", id)
	}
	return s.commit(p.Skill, p.Content, fmt.Sprintf("approve %s (proposal %s)", p.Skill, id))
}

// Reject discards a pending NEEDS_REVIEW proposal without writing anything.
func (s *SkillStore) Reject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return fmt.Errorf("skillstore: no pending proposal %s", id)
	}
	delete(s.pending, id)
	return nil
}

// Revert undoes an already-applied skill at commit granularity by
// checking out the tree from the commit before commitHash.
func (s *SkillStore) Revert(commitHash string) error {
	h, err := s.repo.ResolveRevision(plumbing.Revision(commitHash))
	if err != nil {
		return fmt.Errorf("skillstore: resolve %s: %w", commitHash, err)
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("skillstore: worktree: %w", err)
	}
	commit, err := s.repo.CommitObject(*h)
	if err != nil {
		return fmt.Errorf("skillstore: load commit: %w", err)
	}
	parents := commit.Parents()
	parent, err := parents.Next()
	if err != nil {
		return fmt.Errorf("skillstore: no parent commit to revert to: %w", err)
	}
	return wt.Reset(&git.ResetOptions{Commit: parent.Hash, Mode: git.HardReset})
}
