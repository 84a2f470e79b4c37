package descriptor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func td(site string, board string, thread uint64) ThreadDescriptor {
	return NewThreadDescriptor(NewCatalogDescriptor(NewSiteDescriptor(site), board), thread)
}

func pd(site, board string, thread, post, sub uint64) PostDescriptor {
	return NewPostDescriptor(td(site, board, thread), post, sub)
}

func TestSiteDescriptorCaseInsensitiveEqual(t *testing.T) {
	a := NewSiteDescriptor("4chan")
	b := NewSiteDescriptor("4CHAN")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(NewSiteDescriptor("2ch.hk")))
}

func TestPostDescriptorEqual(t *testing.T) {
	a := pd("4chan", "a", 1, 2, 0)
	b := pd("4CHAN", "a", 1, 2, 0)
	assert.True(t, a.Equal(b), "site comparison must be case-insensitive")

	c := pd("4chan", "a", 1, 2, 1)
	assert.False(t, a.Equal(c), "differing sub_no must not compare equal")
}

func TestCompareTotalOrderReflexive(t *testing.T) {
	a := pd("4chan", "a", 1, 2, 0)
	assert.Equal(t, 0, a.Compare(a))
}

func TestCompareTotalOrderAntisymmetric(t *testing.T) {
	a := pd("4chan", "a", 1, 2, 0)
	b := pd("4chan", "a", 1, 3, 0)
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
}

func TestCompareTotalOrderTransitive(t *testing.T) {
	a := pd("4chan", "a", 1, 1, 0)
	b := pd("4chan", "a", 1, 2, 0)
	c := pd("4chan", "a", 1, 3, 0)
	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.True(t, a.Less(c))
}

func TestCompareOrdersBySiteThenBoardThenThreadThenPostThenSub(t *testing.T) {
	descriptors := []PostDescriptor{
		pd("2ch.hk", "b", 1, 1, 0),
		pd("4chan", "a", 1, 1, 0),
		pd("4chan", "a", 1, 1, 1),
		pd("4chan", "a", 1, 2, 0),
		pd("4chan", "a", 2, 1, 0),
		pd("4chan", "b", 1, 1, 0),
	}

	shuffled := make([]PostDescriptor, len(descriptors))
	copy(shuffled, descriptors)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	for i := 0; i < len(shuffled); i++ {
		for j := i + 1; j < len(shuffled); j++ {
			if shuffled[i].Compare(shuffled[j]) > 0 {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			}
		}
	}

	for i, want := range descriptors {
		assert.True(t, want.Equal(shuffled[i]), "position %d: want %s got %s", i, want, shuffled[i])
	}
}

func TestStringCanonicalForm(t *testing.T) {
	p := pd("4chan", "a", 1, 2, 0)
	assert.Equal(t, "4chan/a/1/2/0", p.String())
}

func TestURLSafeRoundTripCharset(t *testing.T) {
	p := pd("4chan", "a", 1, 2, 3)
	safe := p.URLSafe()
	assert.Equal(t, "4chan-a-1-2-3", safe)
}

func TestMaxReturnsLaterDescriptor(t *testing.T) {
	a := pd("4chan", "a", 1, 1, 0)
	b := pd("4chan", "a", 1, 5, 0)
	assert.True(t, Max(a, b).Equal(b))
	assert.True(t, Max(b, a).Equal(b))
}
