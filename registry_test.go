package landmarks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry([]Landmark{
		{Name: "notre_dame_basilica"},
		{Name: "mount_royal_cross"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"notre_dame_basilica", "mount_royal_cross", Background}, r.Labels())
	assert.Equal(t, 3, r.NumClasses())
	assert.Equal(t, Background, r.At(r.NumClasses()-1))

	idx, found := r.Index("mount_royal_cross")
	require.True(t, found)
	assert.Equal(t, 1, idx)
	idx, found = r.Index(Background)
	require.True(t, found)
	assert.Equal(t, 2, idx)
	_, found = r.Index("eiffel_tower")
	assert.False(t, found)
}

func TestNewRegistryRejectsMalformed(t *testing.T) {
	_, err := NewRegistry(nil)
	require.Error(t, err)

	_, err = NewRegistry([]Landmark{{Name: "Notre Dame"}})
	require.Error(t, err, "labels with spaces or upper-case must be rejected")

	_, err = NewRegistry([]Landmark{{Name: "a"}, {Name: "a"}})
	require.Error(t, err, "repeated labels must be rejected")

	_, err = NewRegistry([]Landmark{{Name: Background}})
	require.Error(t, err, "background is reserved")
}

func TestLabelsIsACopy(t *testing.T) {
	r, err := NewRegistry([]Landmark{{Name: "old_port_clock_tower"}})
	require.NoError(t, err)
	labels := r.Labels()
	labels[0] = "mutated"
	assert.Equal(t, "old_port_clock_tower", r.At(0))
}

func TestMontreal(t *testing.T) {
	r := Montreal()
	assert.Equal(t, 6, r.NumClasses())
	assert.Equal(t, Background, r.At(5))
	for _, lm := range r.Landmarks() {
		assert.NotEmpty(t, lm.SearchTerms, "landmark %q has no search terms", lm.Name)
	}
}
