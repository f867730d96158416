package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"tagwatch/notify"
)

const (
	DefaultBaseTag      = "latest"
	DefaultKeepVersions = 3
)

// ImageSpec configures tracking for one image.
type ImageSpec struct {
	// Image is the repository path, e.g. "library/nginx" or
	// "ghcr.io/owner/app".
	Image string `json:"image"`

	// Regex selects which version tags are tracked.
	Regex string `json:"regex"`

	// BaseTag is the floating tag whose digest is watched for drift.
	// Defaults to "latest".
	BaseTag string `json:"base_tag,omitempty"`

	// AutoUpdate recreates ContainerName when the base tag drifts. Requires
	// ContainerName.
	AutoUpdate    bool   `json:"auto_update,omitempty"`
	ContainerName string `json:"container_name,omitempty"`

	// CleanupOldImages removes local images beyond KeepVersions after a
	// successful update.
	CleanupOldImages bool `json:"cleanup_old_images,omitempty"`
	KeepVersions     int  `json:"keep_versions,omitempty"`

	// Registry overrides the registry host derived from Image, for mirrors.
	Registry string `json:"registry,omitempty"`

	// Pattern is Regex compiled at load time.
	Pattern *regexp.Regexp `json:"-"`
}

// Config is the top-level configuration file.
type Config struct {
	Images        []ImageSpec    `json:"images"`
	Notifications *notify.Config `json:"notifications,omitempty"`
}

// Load reads and validates a configuration file. Every regex is compiled
// here so a bad pattern fails startup instead of every check cycle.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if len(cfg.Images) == 0 {
		return nil, fmt.Errorf("config %s: no images configured", path)
	}

	seen := make(map[string]bool)
	for i := range cfg.Images {
		spec := &cfg.Images[i]
		if spec.Image == "" {
			return nil, fmt.Errorf("config %s: images[%d]: image is required", path, i)
		}
		if spec.Regex == "" {
			return nil, fmt.Errorf("config %s: image %s: regex is required", path, spec.Image)
		}
		pattern, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("config %s: image %s: invalid regex %q: %w", path, spec.Image, spec.Regex, err)
		}
		spec.Pattern = pattern

		if spec.BaseTag == "" {
			spec.BaseTag = DefaultBaseTag
		}
		if spec.KeepVersions <= 0 {
			spec.KeepVersions = DefaultKeepVersions
		}
		if spec.AutoUpdate && spec.ContainerName == "" {
			return nil, fmt.Errorf("config %s: image %s: auto_update requires container_name", path, spec.Image)
		}
		if seen[spec.Image] {
			return nil, fmt.Errorf("config %s: image %s configured twice", path, spec.Image)
		}
		seen[spec.Image] = true
	}

	return &cfg, nil
}
