package watchfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodes(t *testing.T) {
	assert.EqualValues(t, 0, NoError)
	assert.EqualValues(t, -1, FileNotFound)
	assert.EqualValues(t, -2, FileRepeated)
	assert.EqualValues(t, -3, FileOutOfScope)
	assert.EqualValues(t, -4, FileNotReadable)
	assert.EqualValues(t, -5, FileRemote)
	assert.EqualValues(t, -6, WatcherFailed)
	assert.EqualValues(t, -7, Unspecified)
}

func TestWatchErrorWrapping(t *testing.T) {
	cause := errors.New("boom")
	err := &WatchError{Code: FileNotFound, Path: "/nope", Err: cause}

	assert.ErrorIs(t, err, FileNotFound)
	assert.NotErrorIs(t, err, FileRepeated)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "/nope")
	assert.Contains(t, err.Error(), "boom")

	wrapped := fmt.Errorf("adding watch: %w", err)
	var werr *WatchError
	assert.True(t, errors.As(wrapped, &werr))
	assert.Equal(t, FileNotFound, werr.Code)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "add", ActionAdd.String())
	assert.Equal(t, "delete", ActionDelete.String())
	assert.Equal(t, "modified", ActionModified.String())
	assert.Equal(t, "moved", ActionMoved.String())
	assert.Equal(t, "unknown", Action(99).String())
}
