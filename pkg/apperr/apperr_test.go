package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("missing")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "failed to save", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to save")
	assert.Contains(t, err.Error(), "disk full")
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	inner := Forbidden("no access")
	outer := fmt.Errorf("handler: %w", inner)

	var ae *Error
	assert.True(t, errors.As(outer, &ae))
	assert.Equal(t, KindForbidden, ae.Kind)
}
