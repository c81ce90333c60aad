package errors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrors(t *testing.T) {
	var errs Errors
	assert.NoError(t, errs.ErrOrNil())

	assert.False(t, errs.ErrIf(false, "not added"))
	assert.True(t, errs.ErrIf(true, "bad %s", "thing"))
	require.Error(t, errs.ErrOrNil())
	assert.Equal(t, "bad thing", errs.ErrOrNil().Error())

	assert.True(t, errs.AddErr(nil))
	assert.False(t, errs.AddErr(Errors{errors.New("one"), errors.New("two")}))
	assert.Len(t, errs, 3)
	assert.Equal(t, "bad thing\none\ntwo", errs.Error())

	b, err := errs.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"Description":"bad thing"},{"Description":"one"},{"Description":"two"}]`, string(b))
}

func TestRetryable(t *testing.T) {
	assert.NoError(t, NewRetryable(nil))

	base := errors.New("connection refused")
	retry := NewRetryable(base)
	assert.Equal(t, "connection refused", retry.Error())
	assert.True(t, IsRetryable(retry))
	assert.True(t, IsRetryable(errors.Wrap(retry, "Failed to fetch institutions")))
	assert.Equal(t, base, errors.Cause(retry))

	assert.False(t, IsRetryable(base))
	assert.False(t, IsRetryable(nil))
}
