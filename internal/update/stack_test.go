package update

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lyndonlyu/upkeep/internal/attempt"
	"github.com/lyndonlyu/upkeep/internal/audit"
)

func TestErrorStack(t *testing.T) {
	root := errors.New("exit status 1")
	err := fmt.Errorf("update: install: %w", root)

	stack := errorStack(attempt.StatusMigrating, err, "npm ERR! missing script\n")
	assert.Equal(t, "stage: MIGRATING\n"+
		"update: install: exit status 1\n"+
		"  exit status 1\n"+
		"output:\nnpm ERR! missing script\n", stack)

	assert.Equal(t, "stage: APPLYING\nboom\n", errorStack(attempt.StatusApplying, errors.New("boom"), "  "))
}

func TestArtifactName(t *testing.T) {
	a := &attempt.Attempt{ID: "0123456789abcdef", ToVersion: "1.1.0"}

	a.DownloadURL = "https://dl.example.com/app-1.1.0.TGZ"
	assert.Equal(t, "1.1.0-01234567.tgz", artifactName(a))

	a.DownloadURL = "https://api.github.com/repos/o/r/tarball/v1.1.0"
	assert.Equal(t, "1.1.0-01234567", artifactName(a))
}

func TestOutcomeFor(t *testing.T) {
	assert.Equal(t, audit.OutcomeRejected, outcomeFor(fmt.Errorf("%w: 9.9.9", ErrNotFound)))
	assert.Equal(t, audit.OutcomeRejected, outcomeFor(ErrConflict))
	assert.Equal(t, audit.OutcomeFailure, outcomeFor(errors.New("disk full")))
}
