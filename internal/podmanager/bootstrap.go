package podmanager

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootstrapFile lists pod managers to register at startup.
type BootstrapFile struct {
	PodManagers []CreateRequest `yaml:"pod_managers"`
}

// LoadBootstrap parses a bootstrap file.
func LoadBootstrap(path string) (BootstrapFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BootstrapFile{}, fmt.Errorf("reading bootstrap file: %w", err)
	}
	var file BootstrapFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return BootstrapFile{}, fmt.Errorf("parsing bootstrap file %s: %w", path, err)
	}
	return file, nil
}

// Bootstrap registers every listed pod manager whose url is not yet known
// and returns how many were added.
func (s *Service) Bootstrap(ctx context.Context, file BootstrapFile) (int, error) {
	existing, err := s.store.ListPodManagers(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pod managers: %w", err)
	}
	known := make(map[string]struct{}, len(existing))
	for _, podm := range existing {
		known[podm.URL] = struct{}{}
	}

	added := 0
	for _, req := range file.PodManagers {
		url := strings.TrimRight(strings.TrimSpace(req.URL), "/")
		if _, ok := known[url]; ok {
			s.logger.Debug().Str("url", url).Msg("bootstrap pod manager already registered")
			continue
		}
		if _, err := s.Create(ctx, req); err != nil {
			return added, fmt.Errorf("bootstrapping pod manager %q: %w", req.Name, err)
		}
		known[url] = struct{}{}
		added++
	}
	return added, nil
}
