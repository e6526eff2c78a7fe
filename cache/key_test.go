package cache

import (
	"testing"

	"github.com/goliatone/go-query-sync/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keyScenario struct {
	Name      string `json:"name"`
	Segments  []any  `json:"segments"`
	String    string `json:"string"`
	Namespace string `json:"namespace"`
}

type keyFixtures struct {
	Scenarios []keyScenario `json:"scenarios"`
}

func TestKey_Scenarios(t *testing.T) {
	var fixtures keyFixtures
	testsupport.LoadFixtureJSON(t, testsupport.FixturePath("key_scenarios.json"), &fixtures)
	require.NotEmpty(t, fixtures.Scenarios)

	for _, sc := range fixtures.Scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			// JSON numbers decode as float64 and must address the same slot
			// as the integer literals used in code.
			key := NewKey(sc.Segments...)
			assert.Equal(t, sc.String, key.String())
			assert.Equal(t, sc.Namespace, key.Namespace())
			assert.Equal(t, len(sc.Segments), key.Len())
			assert.True(t, key.Equal(NewKey(key.Segments()...)))
		})
	}
}

func TestKey_NumericNormalisation(t *testing.T) {
	base := NewKey("customers", 0, 25)

	tests := []struct {
		name string
		key  Key
	}{
		{"int32", NewKey("customers", int32(0), int32(25))},
		{"int64", NewKey("customers", int64(0), int64(25))},
		{"uint8", NewKey("customers", uint8(0), uint8(25))},
		{"float64", NewKey("customers", 0.0, 25.0)},
		{"pointer", NewKey("customers", ptr(0), ptr(25))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, base.Equal(tt.key))
			assert.Equal(t, base.ID(), tt.key.ID())
		})
	}

	assert.False(t, base.Equal(NewKey("customers", "0", "25")), "strings never equal numbers")
	assert.False(t, base.Equal(NewKey("customers", 0.5, 25)))
}

func TestKey_IDIsStructural(t *testing.T) {
	a := NewKey("a", "b")
	b := NewKey("a::b")

	assert.Equal(t, a.String(), b.String(), "display forms collide")
	assert.False(t, a.Equal(b), "identities do not")
	assert.True(t, Key{}.Equal(NewKey()))
}

func TestKey_HasPrefix(t *testing.T) {
	key := NewKey("customer-history", 7, 0, 25)

	tests := []struct {
		name   string
		prefix Key
		want   bool
	}{
		{"empty", NewKey(), true},
		{"zero value", Key{}, true},
		{"namespace", NewKey("customer-history"), true},
		{"customer", NewKey("customer-history", 7), true},
		{"customer normalised", NewKey("customer-history", uint16(7)), true},
		{"self", key, true},
		{"other customer", NewKey("customer-history", 8), false},
		{"partial segment", NewKey("customer"), false},
		{"longer", key.Append("extra"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, key.HasPrefix(tt.prefix))
		})
	}
}

func TestKey_AppendAndSegmentsCopy(t *testing.T) {
	prefix := NewKey("customers")
	page := prefix.Append(0, 25)

	assert.True(t, page.Equal(NewKey("customers", 0, 25)))
	assert.Equal(t, 1, prefix.Len(), "Append leaves the receiver untouched")

	segs := page.Segments()
	segs[0] = "mutated"
	assert.Equal(t, "customers", page.Namespace())
}

func TestKey_IsZero(t *testing.T) {
	assert.True(t, Key{}.IsZero())
	assert.True(t, NewKey().IsZero())
	assert.False(t, NewKey(nil).IsZero(), "a nil segment is still a segment")
	assert.Equal(t, "", NewKey().Namespace())
}

func TestDedupeKeys(t *testing.T) {
	keys := dedupeKeys([]Key{
		NewKey("customers"),
		NewKey("stores"),
		NewKey("customers"),
		NewKey("customers", 0),
	})

	got := make([]string, len(keys))
	for i, k := range keys {
		got[i] = k.String()
	}
	assert.Equal(t, []string{"customers", "stores", "customers::0"}, got)
	assert.Empty(t, dedupeKeys(nil))
}

func TestMatchesAny(t *testing.T) {
	key := NewKey("bonus-balance", 7)

	assert.True(t, matchesAny(key, []Key{NewKey("stores"), NewKey("bonus-balance")}))
	assert.False(t, matchesAny(key, []Key{NewKey("stores")}))
	assert.False(t, matchesAny(key, nil))
}

func ptr[T any](v T) *T { return &v }

func BenchmarkNewKey(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewKey("available-discounts", 7, 1, "150.50")
	}
}

func BenchmarkKeyHasPrefix(b *testing.B) {
	key := NewKey("customer-history", 7, 0, 25)
	prefix := NewKey("customer-history", 7)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key.HasPrefix(prefix)
	}
}
