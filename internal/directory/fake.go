package directory

import (
	"context"
	"fmt"

	"github.com/porticodev/portico/internal/model"
)

// FakeInventory serves canned inventory answers. Used by tests and by the
// fake provider mode of the CLI.
type FakeInventory struct {
	Hosts   []model.MediatingHost
	Targets map[string]model.RemoteTarget
	Err     error
	// AllScopes disables the network filter, mimicking an inventory that
	// reports hosts from connected networks too.
	AllScopes bool

	BastionCalls int
}

func (f *FakeInventory) BastionInstances(_ context.Context, networkID string) ([]model.MediatingHost, error) {
	f.BastionCalls++
	if f.Err != nil {
		return nil, f.Err
	}
	var out []model.MediatingHost
	for _, h := range f.Hosts {
		if f.AllScopes || h.NetworkID == networkID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *FakeInventory) LookupTarget(_ context.Context, id string) (model.RemoteTarget, error) {
	if f.Err != nil {
		return model.RemoteTarget{}, f.Err
	}
	if t, ok := f.Targets[id]; ok {
		return t, nil
	}
	return model.RemoteTarget{}, fmt.Errorf("instance %s not found", id)
}
