package publisher

import (
	"errors"
	"fmt"
	"os"

	"github.com/markus-barta/sysm/internal/protocol"
	"gopkg.in/yaml.v3"
)

// servicesFile is the on-disk status description. JSON files parse as well.
//
//	services:
//	  - id: web
//	    online: true
//	    status: OK
//	    attributes: {version: "1.4.2"}
type servicesFile struct {
	Services []protocol.ServiceStatus `yaml:"services"`
}

// LoadServices reads a services file. Both a top-level list and a
// {services: [...]} document are accepted.
func LoadServices(path string) ([]protocol.ServiceStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	services, err := ParseServices(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return services, nil
}

// ParseServices parses the contents of a services file.
func ParseServices(data []byte) ([]protocol.ServiceStatus, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse services: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, errors.New("no services defined")
	}

	var services []protocol.ServiceStatus
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		if err := root.Decode(&services); err != nil {
			return nil, fmt.Errorf("parse services: %w", err)
		}
	} else {
		var f servicesFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse services: %w", err)
		}
		services = f.Services
	}

	for i, s := range services {
		if s.ID == "" {
			return nil, fmt.Errorf("services[%d]: id is required", i)
		}
	}
	if len(services) == 0 {
		return nil, errors.New("no services defined")
	}
	return services, nil
}

// FileSource re-reads path on every push so edits are picked up without a restart.
func FileSource(path string) Source {
	return func() ([]protocol.ServiceStatus, error) {
		return LoadServices(path)
	}
}
