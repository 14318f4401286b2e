package workflow

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{storageErr("write", errors.New("timeout")), http.StatusServiceUnavailable},
		{&QcToleranceError{}, http.StatusConflict},
		{&DuplicateSerialError{Serial: "x"}, http.StatusConflict},
		{&UnknownSerialError{Serial: "x"}, http.StatusUnprocessableEntity},
		{&TierViolationError{Serial: "x"}, http.StatusUnprocessableEntity},
		{&IdentityInputError{Field: "item code"}, http.StatusUnprocessableEntity},
		{&RequestError{Fields: map[string]string{"a": "required"}}, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", &UnknownSerialError{}), http.StatusUnprocessableEntity},
		{errors.Join(&UnknownSerialError{}, &TierViolationError{}), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "%v", tc.err)
	}
}

func TestStorageErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := storageErr("allocate", cause)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, storageErr("noop", nil))
}

func TestTierViolationMessageNamesAllowedSet(t *testing.T) {
	err := &TierViolationError{
		Serial:     "S1",
		SourceTier: models.TierIntermediateB,
		TargetTier: models.TierIntermediateA,
		Allowed:    AllowedSources(models.TierIntermediateA),
	}
	assert.Contains(t, err.Error(), "accepts {RawMaterial}")
	assert.Contains(t, err.Error(), "IntermediateB")
}

func TestJoinedBatchErrorsMatchEveryKind(t *testing.T) {
	err := errors.Join(&UnknownSerialError{Serial: "a"}, &TierViolationError{Serial: "b"})
	assert.ErrorIs(t, err, ErrUnknownSerial)
	assert.ErrorIs(t, err, ErrTierViolation)
	assert.False(t, IsRetryable(err))
}
