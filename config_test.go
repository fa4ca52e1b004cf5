package parallax

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTuning(t *testing.T) {
	d := DefaultTuning()
	assert.Equal(t, DefaultHostFallbackElements, d.HostFallbackElements)
	assert.Equal(t, DefaultWorkgroupSize, d.WorkgroupSize)
	assert.Equal(t, DefaultReduceGroupElements, d.ReduceGroupElements)
	assert.Equal(t, DefaultDispatchTimeout, d.DispatchTimeout)
	assert.Zero(t, d.Workers)
}

func TestTuningNormalize(t *testing.T) {
	t.Run("zero fields take defaults", func(t *testing.T) {
		n := Tuning{}.normalize()
		assert.Equal(t, DefaultHostFallbackElements, n.HostFallbackElements)
		assert.Equal(t, DefaultWorkgroupSize, n.WorkgroupSize)
		assert.Equal(t, DefaultReduceGroupElements, n.ReduceGroupElements)
		assert.Equal(t, DefaultDispatchTimeout, n.DispatchTimeout)
	})

	t.Run("set fields survive", func(t *testing.T) {
		n := Tuning{
			HostFallbackElements: 512,
			WorkgroupSize:        64,
			ReduceGroupElements:  128,
			Workers:              3,
			DispatchTimeout:      5 * time.Second,
		}.normalize()
		assert.Equal(t, 512, n.HostFallbackElements)
		assert.Equal(t, 64, n.WorkgroupSize)
		assert.Equal(t, 128, n.ReduceGroupElements)
		assert.Equal(t, 3, n.Workers)
		assert.Equal(t, 5*time.Second, n.DispatchTimeout)
	})

	t.Run("negative fields take defaults", func(t *testing.T) {
		n := Tuning{HostFallbackElements: -1, WorkgroupSize: -1}.normalize()
		assert.Equal(t, DefaultHostFallbackElements, n.HostFallbackElements)
		assert.Equal(t, DefaultWorkgroupSize, n.WorkgroupSize)
	})
}

func TestLoadTuning(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"host_fallback_elements: 4096\n"+
				"workgroup_size: 128\n"+
				"reduce_group_elements: 512\n"+
				"workers: 2\n"+
				"dispatch_timeout: 10s\n"), 0o644))

		tuning, err := LoadTuning(path)
		require.NoError(t, err)
		assert.Equal(t, 4096, tuning.HostFallbackElements)
		assert.Equal(t, 128, tuning.WorkgroupSize)
		assert.Equal(t, 512, tuning.ReduceGroupElements)
		assert.Equal(t, 2, tuning.Workers)
		assert.Equal(t, 10*time.Second, tuning.DispatchTimeout)
	})

	t.Run("partial file merges over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tuning.yaml")
		require.NoError(t, os.WriteFile(path, []byte("workgroup_size: 32\n"), 0o644))

		tuning, err := LoadTuning(path)
		require.NoError(t, err)
		assert.Equal(t, 32, tuning.WorkgroupSize)
		assert.Equal(t, DefaultHostFallbackElements, tuning.HostFallbackElements)
		assert.Equal(t, DefaultDispatchTimeout, tuning.DispatchTimeout)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTuning(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("workgroup_size: [oops\n"), 0o644))
		_, err := LoadTuning(path)
		assert.Error(t, err)
	})
}
