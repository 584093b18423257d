package config

import (
	"os"
	"path"
	"testing"

	"github.com/oceanweave/bwgov/pkg/backend"
	"github.com/oceanweave/bwgov/pkg/bpflimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingOrMalformed(t *testing.T) {
	dir := t.TempDir()
	cfg := Load(path.Join(dir, "missing.json"))
	assert.Empty(t, cfg.PreferredMap())
	assert.Empty(t, cfg.Limits)

	bad := path.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"preferred": {"upload": `), 0644))
	cfg = Load(bad)
	assert.Empty(t, cfg.PreferredMap())

	wrongType := path.Join(dir, "wrong.json")
	require.NoError(t, os.WriteFile(wrongType, []byte(`{"limits": {"12": {"upload": {"rate": 1, "filter": "lan"}}}}`), 0644))
	cfg = Load(wrongType)
	assert.Empty(t, cfg.Limits, "unknown filter makes the whole file fall back to defaults")
}

func TestSaveAndLoad(t *testing.T) {
	file := path.Join(t.TempDir(), "nested", "config.json")
	cfg := New()
	cfg.SetPreferred(backend.Upload, "ebpf")
	cfg.SetPreferred(backend.Download, "nftables")
	cfg.SetLimit(1234, backend.Upload, backend.Limit{Rate: 100000, Filter: backend.FilterInternet})
	cfg.SetLimit(1234, backend.Download, backend.Limit{Rate: 50000, Burst: 200000})
	cfg.Interfaces = []string{"eth0"}
	require.NoError(t, cfg.Save(file))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"filter": "internet"`)
	assert.Contains(t, string(data), `"1234"`)

	loaded := Load(file)
	assert.Equal(t, map[backend.Direction]string{backend.Upload: "ebpf", backend.Download: "nftables"}, loaded.PreferredMap())
	l, ok := loaded.Limit(1234, backend.Upload)
	require.True(t, ok)
	assert.Equal(t, backend.Limit{Rate: 100000, Filter: backend.FilterInternet}, l)
	l, ok = loaded.Limit(1234, backend.Download)
	require.True(t, ok)
	assert.Equal(t, uint64(200000), l.Burst)
	assert.Equal(t, []string{"eth0"}, loaded.Interfaces)

	loaded.ForgetProcess(1234)
	_, ok = loaded.Limit(1234, backend.Upload)
	assert.False(t, ok)
}

func TestLocalityTable(t *testing.T) {
	cfg := New()
	loc, err := cfg.LocalityTable()
	require.NoError(t, err)
	assert.Equal(t, bpflimit.DefaultLocality(), loc)

	cfg.Locality = &Locality{V4: []string{"100.64.0.0/10"}}
	loc, err = cfg.LocalityTable()
	require.NoError(t, err)
	assert.Len(t, loc.V4, 1)
	assert.Empty(t, loc.V6)

	cfg.Locality = &Locality{V4: []string{"fc00::/7"}}
	_, err = cfg.LocalityTable()
	assert.Error(t, err)
}
