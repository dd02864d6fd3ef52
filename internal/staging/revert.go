package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

const recordFile = ".promotion.json"

// ErrNoPromotion is returned when a previous tree carries no promotion record.
var ErrNoPromotion = errors.New("staging: no promotion record")

// Save writes the promotion record next to the parked entries so the swap can
// be reverted by a later process.
func (p *Promotion) Save() error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(p.PreviousDir, recordFile), data, 0644); err != nil {
		return fmt.Errorf("staging: save promotion record: %w", err)
	}
	return nil
}

// LoadPromotion reads the record saved in previousDir.
func LoadPromotion(previousDir string) (*Promotion, error) {
	data, err := os.ReadFile(filepath.Join(previousDir, recordFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNoPromotion, previousDir)
		}
		return nil, err
	}
	var p Promotion
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("staging: parse promotion record: %w", err)
	}
	p.PreviousDir = previousDir
	return &p, nil
}

// Revert swaps the parked entries in previousDir back into live and removes
// the entries the promotion added. Nested excluded paths are carried from the
// live entry into the parked one first. It returns the names put back. The
// previous tree is removed only when every entry was restored.
func Revert(previousDir, live string, excluded []string) ([]string, error) {
	p, err := LoadPromotion(previousDir)
	if err != nil {
		return nil, err
	}
	_, nested := splitExcluded(excluded)

	var result *multierror.Error
	for _, name := range p.Added {
		if err := os.RemoveAll(filepath.Join(live, name)); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove added %s: %w", name, err))
		}
	}

	restored := make([]string, 0, len(p.Replaced))
	for _, name := range p.Replaced {
		parked := filepath.Join(previousDir, name)
		if _, err := os.Lstat(parked); err != nil {
			result = multierror.Append(result, fmt.Errorf("parked %s: %w", name, err))
			continue
		}
		dst := filepath.Join(live, name)
		if err := carryBack(dst, parked, nested[name]); err != nil {
			result = multierror.Append(result, fmt.Errorf("keep excluded under %s: %w", name, err))
			continue
		}
		if err := os.RemoveAll(dst); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		if err := moveEntry(parked, dst); err != nil {
			result = multierror.Append(result, fmt.Errorf("restore %s: %w", name, err))
			continue
		}
		restored = append(restored, name)
	}

	if err := result.ErrorOrNil(); err != nil {
		return restored, fmt.Errorf("staging: revert incomplete: %w", err)
	}
	if err := os.RemoveAll(previousDir); err != nil {
		log.Warnf("failed to remove reverted tree %s: %v", previousDir, err)
	}
	log.Infof("reverted promotion: %d restored, %d removed", len(restored), len(p.Added))
	return restored, nil
}

func carryBack(from, to string, rels []string) error {
	for _, rel := range rels {
		src := filepath.Join(from, rel)
		if _, err := os.Lstat(src); err != nil {
			continue
		}
		dst := filepath.Join(to, rel)
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := moveEntry(src, dst); err != nil {
			return err
		}
	}
	return nil
}
