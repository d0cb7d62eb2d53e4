package ferrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsMatchSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"unsupported", Unsupported("grad(sin(u))", "nested operator"), ErrUnsupportedForm},
		{"incompatible", &IncompatibleSpaceError{Form: "a", Argument: 1, Want: "P1", Got: "P2"}, ErrIncompatibleSpace},
		{"partition", &PartitionInconsistencyError{Rank: 1, Peer: 0, Reason: "mismatch"}, ErrPartitionInconsistency},
		{"timeout", &CommunicationTimeoutError{Rank: 0, Peer: 1, Op: "halo", Err: context.DeadlineExceeded}, ErrCommunicationTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("assemble: %w", tc.err)
			assert.True(t, errors.Is(wrapped, tc.sentinel))
			for _, other := range []error{ErrUnsupportedForm, ErrIncompatibleSpace, ErrPartitionInconsistency, ErrCommunicationTimeout} {
				if other != tc.sentinel {
					assert.False(t, errors.Is(wrapped, other))
				}
			}
		})
	}
}

func TestTimeoutUnwrapsContextError(t *testing.T) {
	err := &CommunicationTimeoutError{Op: "wait", Err: context.DeadlineExceeded}
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWithFormAddsContext(t *testing.T) {
	err := WithForm(fmt.Errorf("compile: %w", Unsupported("grad", "operand is not a terminal")), "a(u,v)")
	var ue *UnsupportedFormError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedFormError, got %v", err)
	}
	assert.Equal(t, "a(u,v)", ue.Form)
	assert.Contains(t, ue.Error(), "operand is not a terminal")

	plain := errors.New("other")
	assert.Equal(t, plain, WithForm(plain, "x"))
}
