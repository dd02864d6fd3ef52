package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Promotion records what Promote changed so it can be undone or discarded.
type Promotion struct {
	Replaced    []string `json:"replaced"`
	Added       []string `json:"added"`
	Skipped     []string `json:"skipped,omitempty"`
	PreviousDir string   `json:"previous_dir"`

	ops []op
}

type opKind int

const (
	opPark  opKind = iota // live entry moved aside into PreviousDir
	opPlace               // staged entry moved into the live tree
	opCarry               // excluded live path moved into the staged entry
)

type op struct {
	kind opKind
	from string
	to   string
}

// Promote moves every top-level entry of staged into live. Replaced live
// entries are parked under previousDir. Top-level names listed in excluded
// are never touched; nested excluded paths (for example "public/uploads")
// are carried from the live tree into the incoming entry so they survive the
// swap. If any step fails, every completed step is undone in reverse order.
func Promote(staged, live, previousDir string, excluded []string) (*Promotion, error) {
	entries, err := os.ReadDir(staged)
	if err != nil {
		return nil, fmt.Errorf("staging: read staged tree: %w", err)
	}
	if err := os.RemoveAll(previousDir); err != nil {
		return nil, fmt.Errorf("staging: clear %s: %w", previousDir, err)
	}
	if err := os.MkdirAll(previousDir, 0755); err != nil {
		return nil, fmt.Errorf("staging: create %s: %w", previousDir, err)
	}

	top, nested := splitExcluded(excluded)
	p := &Promotion{PreviousDir: previousDir}

	for _, e := range entries {
		name := e.Name()
		if top[name] {
			p.Skipped = append(p.Skipped, name)
			continue
		}
		src := filepath.Join(staged, name)
		dst := filepath.Join(live, name)

		if _, err := os.Lstat(src); os.IsNotExist(err) {
			log.Warnf("staged entry %s disappeared, skipping", name)
			p.Skipped = append(p.Skipped, name)
			continue
		}

		if err := p.carryExcluded(name, src, live, nested[name]); err != nil {
			return nil, p.fail(err)
		}

		replaced := false
		if _, err := os.Lstat(dst); err == nil {
			if err := p.move(opPark, dst, filepath.Join(previousDir, name)); err != nil {
				return nil, p.fail(fmt.Errorf("staging: park %s: %w", name, err))
			}
			replaced = true
		}
		if err := p.move(opPlace, src, dst); err != nil {
			return nil, p.fail(fmt.Errorf("staging: place %s: %w", name, err))
		}
		if replaced {
			p.Replaced = append(p.Replaced, name)
		} else {
			p.Added = append(p.Added, name)
		}
	}

	log.Infof("promoted %d entries (%d replaced, %d added)",
		len(p.Replaced)+len(p.Added), len(p.Replaced), len(p.Added))
	return p, nil
}

// carryExcluded moves nested excluded paths under a top-level entry from the
// live tree into the staged copy of that entry.
func (p *Promotion) carryExcluded(name, stagedEntry, live string, rels []string) error {
	for _, rel := range rels {
		from := filepath.Join(live, name, rel)
		if _, err := os.Lstat(from); err != nil {
			continue
		}
		to := filepath.Join(stagedEntry, rel)
		if err := os.RemoveAll(to); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return err
		}
		if err := p.move(opCarry, from, to); err != nil {
			return fmt.Errorf("staging: keep %s/%s: %w", name, rel, err)
		}
	}
	return nil
}

func (p *Promotion) move(kind opKind, from, to string) error {
	if err := moveEntry(from, to); err != nil {
		return err
	}
	p.ops = append(p.ops, op{kind: kind, from: from, to: to})
	return nil
}

// fail undoes the recorded operations and returns cause, annotated with any
// undo failures.
func (p *Promotion) fail(cause error) error {
	if undoErr := p.Undo(); undoErr != nil {
		log.Errorf("undo after failed promotion: %v", undoErr)
		return multierror.Append(cause, fmt.Errorf("staging: undo incomplete: %w", undoErr))
	}
	return cause
}

// Undo reverses the promotion. Each operation is undone by moving the entry
// back to where it came from.
func (p *Promotion) Undo() error {
	var result *multierror.Error
	for i := len(p.ops) - 1; i >= 0; i-- {
		o := p.ops[i]
		if err := os.MkdirAll(filepath.Dir(o.from), 0755); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := moveEntry(o.to, o.from); err != nil {
			result = multierror.Append(result, fmt.Errorf("restore %s: %w", o.from, err))
		}
	}
	p.ops = nil
	return result.ErrorOrNil()
}

// Discard deletes the parked previous entries once the promotion is final.
func (p *Promotion) Discard() error {
	p.ops = nil
	return os.RemoveAll(p.PreviousDir)
}

func splitExcluded(excluded []string) (map[string]bool, map[string][]string) {
	top := make(map[string]bool)
	nested := make(map[string][]string)
	for _, ex := range excluded {
		ex = strings.Trim(filepath.ToSlash(filepath.Clean(ex)), "/")
		if ex == "" || ex == "." {
			continue
		}
		first, rest, found := strings.Cut(ex, "/")
		if !found {
			top[first] = true
			continue
		}
		nested[first] = append(nested[first], filepath.FromSlash(rest))
	}
	return top, nested
}

var rename = os.Rename

// moveEntry renames from to to, falling back to copy and delete when the two
// paths are on different filesystems.
func moveEntry(from, to string) error {
	err := rename(from, to)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := copyTree(from, to); err != nil {
		os.RemoveAll(to)
		return err
	}
	return os.RemoveAll(from)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeFile(target, info.Mode().Perm(), io.Reader(in))
		}
		return nil
	})
}
