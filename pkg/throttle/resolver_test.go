package throttle

import (
	"testing"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioA_NoAlternatives(t *testing.T) {
	h := newTestHost(desc("X", backend.Download, backend.Best, false))
	m := NewManager(h.registry, nil)

	limit := backend.Limit{Rate: 50000, Filter: backend.FilterLocal}
	_, err := m.Apply(10, backend.Download, limit)
	c, ok := AsConflict(err)
	require.True(t, ok, "conflict surfaced, not silently applied: %v", err)
	assert.Zero(t, h.built["X/download"], "conflict detected before any kernel call")
	assert.Empty(t, c.Alternatives)
	assert.Equal(t, []Option{{Kind: Cancel}, {Kind: ConvertToAll}}, c.Options)

	b, err := m.Resolve(c, Option{Kind: ConvertToAll})
	require.NoError(t, err)
	assert.Equal(t, "X", b.Backend)
	assert.Equal(t, backend.Limit{Rate: 50000, Filter: backend.FilterAll}, b.Limit)
	assert.Equal(t, backend.FilterAll, h.fakes["X/download"].procs[10].Filter)
}

func TestResolver_CompletenessWithAlternatives(t *testing.T) {
	h := standardHost()
	m := NewManager(h.registry, nil)

	_, err := m.Apply(4, backend.Upload, backend.Limit{Rate: 1000, Filter: backend.FilterInternet})
	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, "X", c.Backend.Name)
	assert.False(t, c.Bound)
	assert.Equal(t, []Option{
		{Kind: Cancel},
		{Kind: SwitchOnce, Backend: "Y"},
		{Kind: SwitchAndDefault, Backend: "Y"},
		{Kind: ConvertToAll},
	}, c.Options)

	_, err = m.Resolve(c, Option{Kind: Cancel})
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.Empty(t, m.Bindings())

	_, err = m.Resolve(c, Option{Kind: SwitchOnce, Backend: "Z"})
	assert.Error(t, err, "Z was never offered")
	assert.Empty(t, m.Bindings())
}

func TestResolver_SwitchOnceKeepsDefault(t *testing.T) {
	h := standardHost()
	m := NewManager(h.registry, nil)
	_, err := m.Apply(4, backend.Upload, backend.Limit{Rate: 1000, Filter: backend.FilterLocal})
	c, ok := AsConflict(err)
	require.True(t, ok)

	opt, ok := c.Pick(SwitchOnce)
	require.True(t, ok)
	b, err := m.Resolve(c, opt)
	require.NoError(t, err)
	assert.Equal(t, "Y", b.Backend)
	assert.Equal(t, backend.FilterLocal, b.Limit.Filter)

	d, err := m.Default(backend.Upload)
	require.NoError(t, err)
	assert.Equal(t, "X", d.Name)
}

func TestResolver_SwitchAndDefault(t *testing.T) {
	h := standardHost()
	m := NewManager(h.registry, nil)
	_, err := m.Apply(4, backend.Upload, backend.Limit{Rate: 1000, Filter: backend.FilterLocal})
	c, _ := AsConflict(err)
	require.NotNil(t, c)

	b, err := m.Resolve(c, Option{Kind: SwitchAndDefault, Backend: "Y"})
	require.NoError(t, err)
	assert.Equal(t, "Y", b.Backend)
	d, err := m.Default(backend.Upload)
	require.NoError(t, err)
	assert.Equal(t, "Y", d.Name)
}

func TestResolver_BoundProcessMoves(t *testing.T) {
	h := standardHost()
	m := NewManager(h.registry, nil)
	_, err := m.Apply(4, backend.Upload, backend.Limit{Rate: 1000})
	require.NoError(t, err)

	// 已绑定在 X 上，改成只限本地流量
	_, err = m.Apply(4, backend.Upload, backend.Limit{Rate: 1000, Filter: backend.FilterLocal})
	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.True(t, c.Bound)
	assert.Equal(t, backend.Limit{Rate: 1000}, h.fakes["X/upload"].procs[4], "unchanged until resolved")

	b, err := m.Resolve(c, Option{Kind: SwitchOnce, Backend: "Y"})
	require.NoError(t, err)
	assert.Equal(t, "Y", b.Backend)
	assert.Empty(t, h.fakes["X/upload"].procs)
	assert.Equal(t, 1, h.fakes["X/upload"].released)
	assert.Len(t, m.Bindings(), 1)
}

func TestParseOptionKind(t *testing.T) {
	k, err := ParseOptionKind("switch-default")
	require.NoError(t, err)
	assert.Equal(t, SwitchAndDefault, k)
	_, err = ParseOptionKind("ignore")
	assert.Error(t, err)
}
