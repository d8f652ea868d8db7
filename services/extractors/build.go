package extractors

import (
	"log"
	"strings"

	"streamgate/config"
	"streamgate/services/fetch"
	"streamgate/services/solver"
)

// BuildRegistry wires providers and host extractors from settings. Called at
// startup and again on config reload after Reset.
func BuildRegistry(reg *Registry, settings config.Settings, fetcher *fetch.Client, solv *solver.Client) {
	for _, p := range settings.Providers {
		if !p.Enabled {
			continue
		}
		deps := Deps{Fetch: fetcher, Solver: solv, SolverFirst: p.SolverFirst}
		switch strings.ToLower(p.Type) {
		case "moviedrive":
			reg.RegisterProvider(p.Name, NewMovieDrive(p.Name, p.URL, deps))
		case "vidsrc":
			reg.RegisterProvider(p.Name, NewVidSrc(p.Name, p.URL, deps))
		default:
			log.Printf("[extractors] unknown provider type %q for %s, skipping", p.Type, p.Name)
		}
	}

	hostDeps := Deps{Fetch: fetcher, Solver: solv}
	reg.RegisterHost(NewGDFlix(hostDeps))
	reg.RegisterHost(NewGoFile(hostDeps))
	reg.RegisterHost(NewPixelDrain())
}
