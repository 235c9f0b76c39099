package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpod/agentpod/internal/sandbox"
)

func demoInput() Input {
	return Input{
		SandboxID:  "a1b2c3",
		Slug:       "my-app",
		UserID:     "local",
		Flavor:     "js",
		Tier:       "builder",
		Addons:     []string{"code-server"},
		BaseDomain: "pods.example.com",
		Network:    "traefik",
		Ports: []sandbox.PortMapping{
			{Container: 4096, Label: PortLabelAgent, Public: true},
			{Container: 4000, Label: PortLabelHomepage, Public: true},
			{Container: 8080, Label: "code-server", Public: true},
			{Container: 3000, Public: true},
			{Container: 5432, Public: false},
		},
	}
}

func TestHostname(t *testing.T) {
	tests := []struct {
		name string
		port sandbox.PortMapping
		want string
	}{
		{"agent", sandbox.PortMapping{Container: 4096, Label: PortLabelAgent}, "opencode-my-app.pods.example.com"},
		{"homepage", sandbox.PortMapping{Container: 4000, Label: PortLabelHomepage}, "homepage-my-app.pods.example.com"},
		{"addon", sandbox.PortMapping{Container: 8080, Label: "code-server"}, "code-server-my-app.pods.example.com"},
		{"user port", sandbox.PortMapping{Container: 3000}, "my-app-3000.pods.example.com"},
		{"labeled user port", sandbox.PortMapping{Container: 5173, Label: "Vite Dev Server"}, "my-app-5173.pods.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Hostname(tt.port, "my-app", "pods.example.com"))
		})
	}
}

func TestLabelsMetadata(t *testing.T) {
	labels := Labels(demoInput())

	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "a1b2c3", labels[LabelSandboxID])
	assert.Equal(t, "my-app", labels[LabelSandboxSlug])
	assert.Equal(t, "local", labels[LabelSandboxUser])
	assert.Equal(t, "js", labels[LabelFlavor])
	assert.Equal(t, "builder", labels[LabelTier])
	assert.Equal(t, "true", labels[LabelAddonPrefix+"code-server"])
}

func TestLabelsRouting(t *testing.T) {
	labels := Labels(demoInput())

	assert.Equal(t, "true", labels["traefik.enable"])
	assert.Equal(t, "traefik", labels["traefik.docker.network"])

	assert.Equal(t, "Host(`opencode-my-app.pods.example.com`)", labels["traefik.http.routers.my-app-4096.rule"])
	assert.Equal(t, "web", labels["traefik.http.routers.my-app-4096.entrypoints"])
	assert.Equal(t, "my-app-4096", labels["traefik.http.routers.my-app-4096.service"])
	assert.Equal(t, "4096", labels["traefik.http.services.my-app-4096.loadbalancer.server.port"])

	assert.Equal(t, "Host(`my-app-3000.pods.example.com`)", labels["traefik.http.routers.my-app-3000.rule"])

	// Private ports route nowhere.
	for key := range labels {
		assert.NotContains(t, key, "5432")
	}
}

func TestLabelsTLS(t *testing.T) {
	in := demoInput()
	in.TLS = true
	in.CertResolver = "letsencrypt"
	labels := Labels(in)

	assert.Equal(t, "websecure", labels["traefik.http.routers.my-app-4096.entrypoints"])
	assert.Equal(t, "true", labels["traefik.http.routers.my-app-4096.tls"])
	assert.Equal(t, "letsencrypt", labels["traefik.http.routers.my-app-4096.tls.certresolver"])
}

func TestLabelsNoPublicPorts(t *testing.T) {
	in := demoInput()
	in.Ports = []sandbox.PortMapping{{Container: 5432, Public: false}}
	labels := Labels(in)

	assert.NotContains(t, labels, "traefik.enable")
	assert.Equal(t, "true", labels[LabelManaged])
}

func TestLabelsDeterministic(t *testing.T) {
	first := Labels(demoInput())
	second := Labels(demoInput())
	require.Equal(t, first, second)
}
