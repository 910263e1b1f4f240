package problem

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrMapsSyscallErrors(t *testing.T) {
	assert.Equal(t, AccessDenied, FromErr(syscall.EACCES).Code)
	assert.Equal(t, NotFound, FromErr(syscall.ENOENT).Code)
	assert.Equal(t, Disconnected, FromErr(syscall.EPIPE).Code)
	assert.Equal(t, Timeout, FromErr(syscall.ETIMEDOUT).Code)
}

func TestFromErrPassesThroughTyped(t *testing.T) {
	original := Newf(ChangeConflict, "tag mismatch")
	assert.Same(t, original, FromErr(original))
}

func TestFromErrNilIsNilProblem(t *testing.T) {
	assert.Nil(t, FromErr(nil))
	assert.Equal(t, Code(""), Of(nil))
}

func TestFromErrDefaultsToInternal(t *testing.T) {
	assert.Equal(t, InternalError, FromErr(errors.New("whatever")).Code)
}
