package engine

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagOf(t *testing.T) {
	assert.Equal(t, "4.0.15", tagOf("linuxserver/sonarr:4.0.15"))
	assert.Equal(t, "latest", tagOf("nginx:latest"))
	assert.Equal(t, "1.0", tagOf("registry.local:5000/team/app:1.0"))
	assert.Equal(t, "", tagOf("registry.local:5000/team/app"))
	assert.Equal(t, "", tagOf("nginx"))
}

func TestSanitizeNetworks(t *testing.T) {
	settings := &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{
			"backend": {
				EndpointID: "runtime-assigned",
				Gateway:    "172.18.0.1",
				IPAddress:  "172.18.0.5",
				MacAddress: "02:42:ac:12:00:05",
				Aliases:    []string{"sonarr"},
				IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: "172.18.0.5"},
				DriverOpts: map[string]string{"opt": "v"},
			},
			"empty": nil,
		},
	}

	cfg := sanitizeNetworks(settings)
	require.Contains(t, cfg.EndpointsConfig, "backend")
	assert.NotContains(t, cfg.EndpointsConfig, "empty")

	ep := cfg.EndpointsConfig["backend"]
	assert.Empty(t, ep.EndpointID)
	assert.Empty(t, ep.Gateway)
	assert.Empty(t, ep.IPAddress)
	assert.Equal(t, []string{"sonarr"}, ep.Aliases)
	require.NotNil(t, ep.IPAMConfig)
	assert.Equal(t, "172.18.0.5", ep.IPAMConfig.IPv4Address)
	assert.Equal(t, map[string]string{"opt": "v"}, ep.DriverOpts)
}

func TestSanitizeNetworksNilSettings(t *testing.T) {
	cfg := sanitizeNetworks(nil)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.EndpointsConfig)
}
