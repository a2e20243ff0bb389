package redfish

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
)

const chassisTypeRack = "Rack"

// chassisTree is the containment hierarchy of every chassis keyed by @odata.id.
type chassisTree struct {
	nodes map[string]chassis
}

// buildChassisTree fetches the chassis collection and every member, bounded
// by the driver's walk concurrency.
func (d *Driver) buildChassisTree(ctx context.Context) (*chassisTree, error) {
	var members collection
	if err := d.getCached(ctx, chassisPath, &members); err != nil {
		return nil, err
	}

	items := make([]chassis, len(members.Members))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.walkConcurrency)
	for i, member := range members.Members {
		group.Go(func() error {
			if err := d.getCached(gctx, member.ID, &items[i]); err != nil {
				return err
			}
			if items[i].ODataID == "" {
				items[i].ODataID = member.ID
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	tree := &chassisTree{nodes: make(map[string]chassis, len(items))}
	for _, item := range items {
		tree.nodes[normalizeRef(item.ODataID)] = item
	}
	return tree, nil
}

// location returns the chassis names from the outermost container down to ref.
func (t *chassisTree) location(ref string) []string {
	var chain []string
	seen := make(map[string]bool)
	current := normalizeRef(ref)
	for current != "" && !seen[current] {
		seen[current] = true
		node, ok := t.nodes[current]
		if !ok {
			break
		}
		chain = append([]string{displayName(node)}, chain...)
		current = normalizeRef(node.Links.ContainedBy.ID)
	}
	return chain
}

// descendants returns ref and every chassis it transitively contains.
func (t *chassisTree) descendants(ref string) []chassis {
	var out []chassis
	seen := make(map[string]bool)
	queue := []string{normalizeRef(ref)}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		node, ok := t.nodes[current]
		if !ok {
			continue
		}
		out = append(out, node)
		for _, child := range node.Links.Contains {
			queue = append(queue, normalizeRef(child.ID))
		}
		for key, candidate := range t.nodes {
			if normalizeRef(candidate.Links.ContainedBy.ID) == current {
				queue = append(queue, key)
			}
		}
	}
	return out
}

func (t *chassisTree) rack(node chassis) driver.Rack {
	rack := driver.Rack{
		ID:       chassisID(node),
		Name:     node.Name,
		URI:      node.ODataID,
		Location: t.location(node.ODataID),
	}
	systems := make(map[string]bool)
	for _, member := range t.descendants(node.ODataID) {
		if normalizeRef(member.ODataID) != normalizeRef(node.ODataID) {
			rack.Chassis = append(rack.Chassis, chassisID(member))
		}
		for _, system := range member.Links.ComputerSystems {
			systems[lastSegment(system.ID)] = true
		}
	}
	for id := range systems {
		rack.Systems = append(rack.Systems, id)
	}
	sort.Strings(rack.Chassis)
	sort.Strings(rack.Systems)
	return rack
}

// ListRacks returns every rack chassis with the systems it contains.
func (d *Driver) ListRacks(ctx context.Context) ([]driver.Rack, error) {
	tree, err := d.buildChassisTree(ctx)
	if err != nil {
		return nil, err
	}

	racks := make([]driver.Rack, 0)
	for _, node := range tree.nodes {
		if strings.EqualFold(node.ChassisType, chassisTypeRack) {
			racks = append(racks, tree.rack(node))
		}
	}
	sort.Slice(racks, func(i, j int) bool { return racks[i].ID < racks[j].ID })
	return racks, nil
}

// ShowRack returns one rack by chassis id.
func (d *Driver) ShowRack(ctx context.Context, id string) (driver.Rack, error) {
	tree, err := d.buildChassisTree(ctx)
	if err != nil {
		return driver.Rack{}, err
	}
	for _, node := range tree.nodes {
		if strings.EqualFold(node.ChassisType, chassisTypeRack) && chassisID(node) == id {
			return tree.rack(node), nil
		}
	}
	return driver.Rack{}, apierr.NotFound("rack %s does not exist on the pod manager", id)
}

func chassisID(node chassis) string {
	if node.ID != "" {
		return node.ID
	}
	return lastSegment(node.ODataID)
}

func displayName(node chassis) string {
	if node.Name != "" {
		return node.Name
	}
	return chassisID(node)
}

func normalizeRef(ref string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(ref), "/")
	if idx := strings.Index(trimmed, "/redfish/"); idx > 0 {
		trimmed = trimmed[idx:]
	}
	return trimmed
}
