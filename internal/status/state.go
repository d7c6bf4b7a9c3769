package status

import (
	"encoding/json"
	"fmt"
	"reflect"
)

const (
	// DefaultStatus is the status of a service that never reported one.
	DefaultStatus = "--"

	// OfflineStatus is the status set when an application is forced offline.
	OfflineStatus = "Application Offline"

	// ErrorAttribute is always present in a service's attributes, null by default.
	ErrorAttribute = "error"
)

// ServiceState is a snapshot of one service.
type ServiceState struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Online     bool           `json:"online"`
	Status     string         `json:"status"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// State is an immutable snapshot of an application. Attribute values are
// shared with the application and must be treated as read-only.
type State struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Online   bool           `json:"online"`
	Services []ServiceState `json:"services"`
}

// Public returns the snapshot without attributes.
func (s State) Public() State {
	out := s
	out.Services = make([]ServiceState, len(s.Services))
	for i, svc := range s.Services {
		svc.Attributes = nil
		out.Services[i] = svc
	}
	return out
}

// Service returns the snapshot of the service with the given id.
func (s State) Service(id string) (ServiceState, bool) {
	for _, svc := range s.Services {
		if svc.ID == id {
			return svc, true
		}
	}
	return ServiceState{}, false
}

// Equal compares two snapshots field by field, attributes included.
func (s State) Equal(o State) bool {
	if s.ID != o.ID || s.Name != o.Name || s.Online != o.Online || len(s.Services) != len(o.Services) {
		return false
	}
	for i := range s.Services {
		if !s.Services[i].equal(o.Services[i]) {
			return false
		}
	}
	return true
}

func (s ServiceState) equal(o ServiceState) bool {
	if s.ID != o.ID || s.Name != o.Name || s.Online != o.Online || s.Status != o.Status {
		return false
	}
	if len(s.Attributes) != len(o.Attributes) {
		return false
	}
	for k, v := range s.Attributes {
		ov, ok := o.Attributes[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// StateChanged is emitted once per accepted mutation that changed the state.
// Both snapshots include attributes.
type StateChanged struct {
	Old State
	New State
}

// Listener receives change events synchronously, while the application is
// locked. Listeners must not call back into the application's mutators.
type Listener func(StateChanged)

// ServiceUpdate is one entry of a status batch: {id, status, online, ...attributes}.
type ServiceUpdate struct {
	ID         string
	Status     string
	Online     bool
	Attributes map[string]any
}

// UnmarshalJSON splits the known fields from the producer's extra fields.
func (u *ServiceUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*u = ServiceUpdate{Status: DefaultStatus, Attributes: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			u.ID, _ = v.(string)
		case "status":
			switch s := v.(type) {
			case string:
				u.Status = s
			case nil:
			default:
				u.Status = fmt.Sprint(s)
			}
		case "online":
			u.Online, _ = v.(bool)
		default:
			u.Attributes[k] = v
		}
	}
	return nil
}

// ParseUpdates decodes a raw status batch. Entries that are not JSON objects
// are reported in skipped and left out.
func ParseUpdates(raw []json.RawMessage) (updates []ServiceUpdate, skipped int) {
	updates = make([]ServiceUpdate, 0, len(raw))
	for _, r := range raw {
		var u ServiceUpdate
		if err := json.Unmarshal(r, &u); err != nil {
			skipped++
			continue
		}
		updates = append(updates, u)
	}
	return updates, skipped
}

// normalizeAttributes copies attrs and makes sure the error attribute exists.
func normalizeAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	if _, ok := out[ErrorAttribute]; !ok {
		out[ErrorAttribute] = nil
	}
	return out
}

func cloneAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
