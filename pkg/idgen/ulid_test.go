package idgen_test

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/plaenen/eventlane/pkg/idgen"
	"github.com/stretchr/testify/require"
)

func TestMustGenerateSortableID(t *testing.T) {
	prev := idgen.MustGenerateSortableID()
	for i := 0; i < 100; i++ {
		next := idgen.MustGenerateSortableID()
		_, err := ulid.ParseStrict(next)
		require.NoError(t, err)
		require.Less(t, prev, next)
		prev = next
	}
}
