// Package proxy generates the Docker labels the Traefik sidecar consumes
// to route public hostnames onto sandbox container ports. Label output is
// deterministic: the same input always yields the same map.
package proxy

import (
	"fmt"
	"strconv"

	"github.com/agentpod/agentpod/internal/sandbox"
)

// Metadata labels stamped on every managed container. The reconciler
// filters on LabelManaged and reads the rest back from the daemon.
const (
	LabelManaged     = "agentpod.managed"
	LabelSandboxID   = "agentpod.sandbox.id"
	LabelSandboxSlug = "agentpod.sandbox.slug"
	LabelSandboxUser = "agentpod.sandbox.user"
	LabelFlavor      = "agentpod.flavor"
	LabelTier        = "agentpod.tier"
	LabelAddonPrefix = "agentpod.addon."
)

// Reserved port labels. Ports carrying one of these get a named hostname;
// everything else routes as {slug}-{port}.
const (
	PortLabelAgent    = "agent"
	PortLabelHomepage = "homepage"
)

// Input captures everything hostname and routing rules derive from.
type Input struct {
	SandboxID    string
	Slug         string
	UserID       string
	Flavor       string
	Tier         string
	Addons       []string
	BaseDomain   string
	Ports        []sandbox.PortMapping
	TLS          bool
	CertResolver string
	Network      string
}

// ManagedFilter returns the label filter selecting every container this
// instance owns.
func ManagedFilter() map[string]string {
	return map[string]string{LabelManaged: "true"}
}

// Hostname returns the public hostname for one port mapping.
//
// The agent port maps to opencode-{slug}, the homepage port to
// homepage-{slug}, and addon ports to {addon}-{slug}. Everything else,
// including user-declared ports with display labels, routes as
// {slug}-{port}.
func Hostname(m sandbox.PortMapping, slug, baseDomain string) string {
	switch m.Label {
	case PortLabelAgent:
		return fmt.Sprintf("opencode-%s.%s", slug, baseDomain)
	case PortLabelHomepage:
		return fmt.Sprintf("homepage-%s.%s", slug, baseDomain)
	}
	if _, ok := sandbox.Addon(m.Label).Port(); ok {
		return fmt.Sprintf("%s-%s.%s", m.Label, slug, baseDomain)
	}
	return fmt.Sprintf("%s-%d.%s", slug, m.Container, baseDomain)
}

// routerName returns the Traefik router/service key for one port. Keyed by
// slug and container port so names stay stable across restarts.
func routerName(slug string, port int) string {
	return slug + "-" + strconv.Itoa(port)
}

// Labels produces the full label map for a sandbox container: metadata
// labels plus one Traefik router and service per public port.
func Labels(in Input) map[string]string {
	labels := map[string]string{
		LabelManaged:     "true",
		LabelSandboxID:   in.SandboxID,
		LabelSandboxSlug: in.Slug,
		LabelSandboxUser: in.UserID,
		LabelFlavor:      in.Flavor,
		LabelTier:        in.Tier,
	}
	for _, addon := range in.Addons {
		labels[LabelAddonPrefix+addon] = "true"
	}

	public := publicPorts(in.Ports)
	if len(public) == 0 {
		return labels
	}

	labels["traefik.enable"] = "true"
	if in.Network != "" {
		labels["traefik.docker.network"] = in.Network
	}

	entrypoint := "web"
	if in.TLS {
		entrypoint = "websecure"
	}

	for _, m := range public {
		name := routerName(in.Slug, m.Container)
		router := "traefik.http.routers." + name
		service := "traefik.http.services." + name

		labels[router+".rule"] = fmt.Sprintf("Host(`%s`)", Hostname(m, in.Slug, in.BaseDomain))
		labels[router+".entrypoints"] = entrypoint
		labels[router+".service"] = name
		labels[service+".loadbalancer.server.port"] = strconv.Itoa(m.Container)

		if in.TLS {
			labels[router+".tls"] = "true"
			if in.CertResolver != "" {
				labels[router+".tls.certresolver"] = in.CertResolver
			}
		}
	}

	return labels
}

func publicPorts(ports []sandbox.PortMapping) []sandbox.PortMapping {
	out := make([]sandbox.PortMapping, 0, len(ports))
	for _, m := range ports {
		if m.Public {
			out = append(out, m)
		}
	}
	return out
}
