package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"images": [
			{"image": "linuxserver/sonarr", "regex": "^\\d+\\.\\d+\\.\\d+$"}
		]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Images, 1)

	spec := cfg.Images[0]
	assert.Equal(t, "latest", spec.BaseTag)
	assert.Equal(t, 3, spec.KeepVersions)
	require.NotNil(t, spec.Pattern)
	assert.True(t, spec.Pattern.MatchString("4.0.15"))
	assert.False(t, spec.Pattern.MatchString("nightly"))
}

func TestLoadFullSpec(t *testing.T) {
	path := writeConfig(t, `{
		"images": [
			{
				"image": "ghcr.io/owner/app",
				"regex": "^v\\d+\\.\\d+\\.\\d+$",
				"base_tag": "stable",
				"auto_update": true,
				"container_name": "app",
				"cleanup_old_images": true,
				"keep_versions": 5,
				"registry": "mirror.internal:5000"
			}
		],
		"notifications": {
			"ntfy": {"url": "https://ntfy.sh/updates", "priority": "high"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	spec := cfg.Images[0]
	assert.Equal(t, "stable", spec.BaseTag)
	assert.True(t, spec.AutoUpdate)
	assert.Equal(t, "app", spec.ContainerName)
	assert.Equal(t, 5, spec.KeepVersions)
	assert.Equal(t, "mirror.internal:5000", spec.Registry)

	require.NotNil(t, cfg.Notifications)
	require.NotNil(t, cfg.Notifications.Ntfy)
	assert.Equal(t, "https://ntfy.sh/updates", cfg.Notifications.Ntfy.URL)
}

func TestLoadRejectsBadRegexAtStartup(t *testing.T) {
	path := writeConfig(t, `{
		"images": [{"image": "a/b", "regex": "^[unclosed"}]
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid regex")
}

func TestLoadRejectsAutoUpdateWithoutContainerName(t *testing.T) {
	path := writeConfig(t, `{
		"images": [{"image": "a/b", "regex": ".*", "auto_update": true}]
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container_name")
}

func TestLoadRejectsMissingFields(t *testing.T) {
	_, err := Load(writeConfig(t, `{"images": [{"regex": ".*"}]}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"images": [{"image": "a/b"}]}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"images": []}`))
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateImages(t *testing.T) {
	path := writeConfig(t, `{
		"images": [
			{"image": "a/b", "regex": ".*"},
			{"image": "a/b", "regex": ".*"}
		]
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
