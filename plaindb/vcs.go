package plaindb

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnstarich/sagelink/pipe"
	"github.com/pkg/errors"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

type syncRepo struct {
	repo *git.Repository
	mu   sync.Mutex
}

func newSyncRepo(path string) (*syncRepo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit: false,
	})
	if err == git.ErrRepositoryNotExists {
		repo, err = initVCS(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open git repository in %q", path)
	}
	return &syncRepo{repo: repo}, nil
}

func author() *object.Signature {
	return &object.Signature{
		Name: "sagelink",
		When: time.Now(),
	}
}

func initVCS(path string) (*git.Repository, error) {
	var err error
	var repo *git.Repository
	var tree *git.Worktree
	var status git.Status
	return repo, pipe.OpFuncs{
		func() error {
			repo, err = git.PlainInit(path, false)
			return err
		},
		func() error {
			tree, err = repo.Worktree()
			return err
		},
		func() error {
			status, err = tree.Status()
			return err
		},
		func() error {
			var ops pipe.OpFuncs
			for file, stat := range status {
				// add any untracked bucket files
				if stat.Worktree == git.Untracked && strings.HasSuffix(file, ".json") {
					file := file
					ops = append(ops, func() error {
						_, err := tree.Add(file)
						return err
					})
				}
			}
			if len(ops) > 0 {
				ops = append(ops, func() error {
					_, err := tree.Commit("Initial commit", &git.CommitOptions{Author: author()})
					return err
				})
			}
			return ops.Do()
		},
	}.Do()
}

// commitFiles resets the index, then adds & commits the files at 'paths' with 'message'. Skips the commit if nothing changed
// NOTE: Does not perform any locking
func (s *syncRepo) commitFiles(message string, paths ...string) error {
	if len(paths) == 0 {
		return errors.New("No files to commit")
	}
	var err error
	var tree *git.Worktree
	var rootPath string
	var status git.Status
	relPaths := make([]string, len(paths))
	return pipe.OpFuncs{
		func() error {
			tree, err = s.repo.Worktree()
			return err
		},
		func() error {
			_, headErr := s.repo.Head()
			if headErr != nil && headErr != plumbing.ErrReferenceNotFound {
				return headErr
			}
			if headErr != plumbing.ErrReferenceNotFound {
				// unstage everything
				return tree.Reset(&git.ResetOptions{})
			}
			return nil
		},
		func() error {
			rootPath, err = filepath.Abs(tree.Filesystem.Root())
			return err
		},
		func() error {
			for i, path := range paths {
				abs, err := filepath.Abs(path)
				if err != nil {
					return err
				}
				if relPaths[i], err = filepath.Rel(rootPath, abs); err != nil {
					return err
				}
				if _, err := tree.Add(relPaths[i]); err != nil {
					return errors.Wrapf(err, "Failed to add %s to the git index", relPaths[i])
				}
			}
			return nil
		},
		func() error {
			status, err = tree.Status()
			return err
		},
		func() error {
			for _, path := range relPaths {
				if fileStatus, ok := status[path]; ok && fileStatus.Staging != git.Unmodified {
					_, err := tree.Commit(message, &git.CommitOptions{Author: author()})
					return err
				}
			}
			return nil
		},
	}.Do()
}

// SaveBucket saves the bucket to disk and commits it. Safe for concurrent use
func (s *syncRepo) SaveBucket(b *bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := saveBucket(b); err != nil {
		return err
	}
	return errors.Wrapf(s.commitFiles(fmt.Sprintf("Update %s", b.name), b.path), "Failed to commit bucket %s", b.name)
}
