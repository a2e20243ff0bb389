package redfish

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
)

var systemFilterFields = []string{"id", "name", "system_type", "power_state", "health"}

// SystemsList lists computer systems, keeping those that match every filter.
func (d *Driver) SystemsList(ctx context.Context, filters map[string]string) ([]driver.SystemSummary, error) {
	for key := range filters {
		if !contains(systemFilterFields, key) {
			return nil, apierr.BadRequest("unsupported systems filter %q (allowed: %s)", key, strings.Join(systemFilterFields, ","))
		}
	}

	var members collection
	if err := d.getCached(ctx, systemsPath, &members); err != nil {
		return nil, err
	}

	systems := make([]computerSystem, len(members.Members))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.walkConcurrency)
	for i, member := range members.Members {
		group.Go(func() error {
			return d.getCached(gctx, member.ID, &systems[i])
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	out := make([]driver.SystemSummary, 0, len(systems))
	for _, system := range systems {
		summary := toSystemSummary(system)
		if matchesSystem(summary, filters) {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSystemByID returns one system with processors, memory, network
// interfaces and chassis location resolved.
func (d *Driver) GetSystemByID(ctx context.Context, id string) (driver.SystemDetail, error) {
	var system computerSystem
	if _, err := d.client.Get(ctx, systemsPath+"/"+strings.TrimSpace(id), &system); err != nil {
		if isNotFound(err) {
			return driver.SystemDetail{}, apierr.NotFound("system %s does not exist on the pod manager", id).WithCause(err)
		}
		return driver.SystemDetail{}, err
	}

	detail := driver.SystemDetail{
		SystemSummary: toSystemSummary(system),
		Manufacturer:  system.Manufacturer,
		Model:         system.Model,
		SerialNumber:  system.SerialNumber,
		Processor:     driver.ProcessorSummary{Count: system.ProcessorSummary.Count, Model: system.ProcessorSummary.Model},
		Memory:        driver.MemorySummary{TotalMiB: int(system.MemorySummary.TotalSystemMemoryGiB * 1024)},
	}

	var (
		processors []processor
		memory     []memoryModule
		nics       []ethernetInterface
	)
	group, gctx := errgroup.WithContext(ctx)
	if system.Processors.ID != "" {
		group.Go(func() error {
			var err error
			processors, err = fetchMembers[processor](gctx, d, system.Processors.ID)
			return err
		})
	}
	if system.Memory.ID != "" {
		group.Go(func() error {
			var err error
			memory, err = fetchMembers[memoryModule](gctx, d, system.Memory.ID)
			return err
		})
	}
	if system.EthernetInterfaces.ID != "" {
		group.Go(func() error {
			var err error
			nics, err = fetchMembers[ethernetInterface](gctx, d, system.EthernetInterfaces.ID)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return driver.SystemDetail{}, err
	}

	applyProcessors(&detail.Processor, processors)
	applyMemory(&detail.Memory, memory)
	detail.Network = toNetwork(nics)

	if len(system.Links.Chassis) > 0 {
		tree, err := d.buildChassisTree(ctx)
		if err != nil {
			return driver.SystemDetail{}, err
		}
		detail.Location = tree.location(system.Links.Chassis[0].ID)
	}
	return detail, nil
}

// fetchMembers reads a collection and every member it links to.
func fetchMembers[T any](ctx context.Context, d *Driver, ref string) ([]T, error) {
	var members collection
	if err := d.getCached(ctx, ref, &members); err != nil {
		return nil, err
	}

	items := make([]T, len(members.Members))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.walkConcurrency)
	for i, member := range members.Members {
		group.Go(func() error {
			return d.getCached(gctx, member.ID, &items[i])
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func toSystemSummary(system computerSystem) driver.SystemSummary {
	id := system.ID
	if id == "" {
		id = lastSegment(system.ODataID)
	}
	return driver.SystemSummary{
		ID:         id,
		Name:       system.Name,
		SystemType: system.SystemType,
		PowerState: system.PowerState,
		Health:     system.Status.Health,
		URI:        system.ODataID,
	}
}

func matchesSystem(summary driver.SystemSummary, filters map[string]string) bool {
	for key, want := range filters {
		var got string
		switch key {
		case "id":
			got = summary.ID
		case "name":
			got = summary.Name
		case "system_type":
			got = summary.SystemType
		case "power_state":
			got = summary.PowerState
		case "health":
			got = summary.Health
		}
		if !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}
