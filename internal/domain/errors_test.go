package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("handling report: %w", Validation("BuildNotice", "error class is required"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrMalformedInput))
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "handling report: BuildNotice: error class is required", err.Error())
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Persistence("AttachNotice", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Equal(t, "AttachNotice: persistence failure: disk full", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("Locate", "notice", "abc")))
}

func TestWatcherEmails(t *testing.T) {
	app := &App{Watchers: []Watcher{{Email: "a@example.com"}, {}, {Email: "b@example.com"}}}
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, app.WatcherEmails())
}

func TestBacktraceFrameInProject(t *testing.T) {
	assert.True(t, BacktraceFrame{File: "[PROJECT_ROOT]/app/models/user.rb"}.InProject())
	assert.False(t, BacktraceFrame{File: "[GEM_ROOT]/gems/rack/lib/rack.rb"}.InProject())
}
