package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	grapherErrors "github.com/openfga/grapher/pkg/errors"
)

type compileError struct {
	expression string
}

func (e *compileError) Error() string {
	return fmt.Sprintf("cannot compile '%s'", e.expression)
}

func TestWith(t *testing.T) {
	t.Run("nil_sides", func(t *testing.T) {
		base := errors.New("base")
		require.NoError(t, With(nil, nil))
		require.Equal(t, base, With(base, nil))
		require.Equal(t, base, With(nil, base))
	})

	t.Run("matches_both_sides", func(t *testing.T) {
		cause := &compileError{expression: "doc.title +"}
		err := With(cause, grapherErrors.ErrConfiguration)

		require.Equal(t, "cannot compile 'doc.title +'", err.Error())
		require.ErrorIs(t, err, grapherErrors.ErrConfiguration)

		var target *compileError
		require.ErrorAs(t, err, &target)
		require.Equal(t, cause, target)
	})

	t.Run("wrapped_top", func(t *testing.T) {
		top := fmt.Errorf("reducer 'shout': %w", grapherErrors.ErrRequest)
		err := With(errors.New("no such key: title"), top)

		require.ErrorIs(t, err, top)
		require.ErrorIs(t, err, grapherErrors.ErrRequest)
		require.NotErrorIs(t, err, grapherErrors.ErrSecurity)
	})
}
