package errs

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("verify proof: %w", New(ProofInvalid, "secret mismatch"))
	assert.Equal(t, ProofInvalid, KindOf(wrapped))
	assert.True(t, Is(wrapped, ProofInvalid))
	assert.False(t, Is(wrapped, ChallengeNotFound))

	assert.Equal(t, Timeout, KindOf(fmt.Errorf("take: %w", context.DeadlineExceeded)))
	assert.Equal(t, Internal, KindOf(fmt.Errorf("disk on fire")))
	assert.False(t, Is(nil, Internal))
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Internal, ParseKind("Bogus"))
}

func TestHTTPStatus(t *testing.T) {
	var tests = []struct {
		kind Kind
		want int
	}{
		{MalformedInput, http.StatusBadRequest},
		{UntrustedEndorsement, http.StatusForbidden},
		{ChallengeNotFound, http.StatusNotFound},
		{ChallengeExpired, http.StatusGone},
		{Timeout, http.StatusGatewayTimeout},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), tt.kind.String())
	}
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, FromContext(ctx))
	cancel()
	err := FromContext(ctx)
	assert.True(t, Is(err, Timeout))
	assert.ErrorIs(t, err, context.Canceled)
}
