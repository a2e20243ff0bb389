package redfish

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/metrics"
)

// ComposeNode allocates and assembles a node. A failed assemble is compensated
// by deleting the allocated node before the error is returned.
func (d *Driver) ComposeNode(ctx context.Context, req driver.ComposeRequest) (driver.NodeDetail, error) {
	body, err := buildAllocateRequest(req)
	if err != nil {
		return driver.NodeDetail{}, err
	}

	var nodes nodeCollection
	if _, err := d.client.Get(ctx, nodesPath, &nodes); err != nil {
		return driver.NodeDetail{}, err
	}
	allocateTarget := strings.TrimSpace(nodes.Actions.Allocate.Target)
	if allocateTarget == "" {
		allocateTarget = nodesPath + "/Actions/Allocate"
	}

	resp, err := d.client.Post(ctx, allocateTarget, body, nil)
	if err != nil {
		return driver.NodeDetail{}, err
	}
	nodeRef := strings.TrimSpace(resp.Header.Get("Location"))
	if nodeRef == "" {
		return driver.NodeDetail{}, apierr.Redfish(http.StatusBadGateway, "", "allocate response carried no Location header")
	}
	logger := d.logger.With().Str("node", nodeRef).Logger()
	logger.Info().Msg("node allocated")

	if err := d.assemble(ctx, nodeRef); err != nil {
		logger.Warn().Err(err).Msg("assemble failed, deleting allocated node")
		if rbErr := d.rollback(ctx, nodeRef); rbErr != nil {
			metrics.RollbacksTotal.WithLabelValues(string(driver.KindRedfish), "failed").Inc()
			logger.Error().Err(rbErr).Msg("rollback failed, orphan node may remain")
			return driver.NodeDetail{}, wrapRollback(err, rbErr, nodeRef)
		}
		metrics.RollbacksTotal.WithLabelValues(string(driver.KindRedfish), "success").Inc()
		return driver.NodeDetail{}, err
	}

	return d.readNode(ctx, nodeRef)
}

func (d *Driver) assemble(ctx context.Context, nodeRef string) error {
	var node composedNode
	if _, err := d.client.Get(ctx, nodeRef, &node); err != nil {
		return err
	}
	target := strings.TrimSpace(node.Actions.Assemble.Target)
	if target == "" {
		target = strings.TrimRight(nodeRef, "/") + "/Actions/ComposedNode.Assemble"
	}

	resp, err := d.client.Post(ctx, target, map[string]any{}, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return apierr.Redfish(resp.StatusCode, "", fmt.Sprintf("assemble of %s returned status %d, expected 204", nodeRef, resp.StatusCode))
	}
	return nil
}

// rollback deletes an allocated node on a fresh context so a canceled caller
// cannot prevent the compensation.
func (d *Driver) rollback(ctx context.Context, nodeRef string) error {
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.rollbackTimeout)
	defer cancel()

	resp, err := d.client.Delete(rbCtx, nodeRef)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return apierr.Redfish(resp.StatusCode, "", fmt.Sprintf("rollback delete returned status %d", resp.StatusCode))
	}
	return nil
}

// DeleteComposedNode deletes a composed node.
func (d *Driver) DeleteComposedNode(ctx context.Context, index string) (driver.Confirmation, error) {
	resp, err := d.client.Delete(ctx, nodeURI(index))
	if err != nil {
		return driver.Confirmation{}, err
	}
	if resp.StatusCode != http.StatusNoContent {
		return driver.Confirmation{}, apierr.Redfish(resp.StatusCode, "", fmt.Sprintf("delete of node %s returned status %d", index, resp.StatusCode))
	}
	return driver.Confirmation{Code: "DELETED", Detail: fmt.Sprintf("composed node %s deleted", index)}, nil
}

// GetComposedNode reads one composed node with resolved sub-resources.
func (d *Driver) GetComposedNode(ctx context.Context, index string) (driver.NodeDetail, error) {
	detail, err := d.readNode(ctx, nodeURI(index))
	if err != nil && isNotFound(err) {
		return driver.NodeDetail{}, apierr.NotFound("composed node %s does not exist on the pod manager", index).WithCause(err)
	}
	return detail, err
}

// NodeAction applies a Reset or boot-source override.
func (d *Driver) NodeAction(ctx context.Context, index string, action driver.Action) (driver.Confirmation, error) {
	ref := nodeURI(index)
	var node composedNode
	if _, err := d.client.Get(ctx, ref, &node); err != nil {
		return driver.Confirmation{}, err
	}

	switch {
	case action.Reset != nil:
		allowed := node.Actions.Reset.AllowableResets
		if len(allowed) == 0 {
			allowed = node.Actions.Reset.AllowableResetsV
		}
		if !contains(allowed, action.Reset.Type) {
			return driver.Confirmation{}, apierr.BadRequest("reset type %q is not one of %v", action.Reset.Type, allowed)
		}
		target := node.Actions.Reset.Target
		if target == "" {
			target = ref + "/Actions/ComposedNode.Reset"
		}
		if _, err := d.client.Post(ctx, target, map[string]string{"ResetType": action.Reset.Type}, nil); err != nil {
			return driver.Confirmation{}, err
		}
		return driver.Confirmation{Code: "ACCEPTED", Detail: fmt.Sprintf("reset %s issued to node %s", action.Reset.Type, index)}, nil

	case action.Boot != nil:
		if !contains(driver.BootOverrideModes, action.Boot.Enabled) {
			return driver.Confirmation{}, apierr.BadRequest("boot override %q is not one of %v", action.Boot.Enabled, driver.BootOverrideModes)
		}
		if !contains(node.Boot.AllowableTargets, action.Boot.Target) {
			return driver.Confirmation{}, apierr.BadRequest("boot target %q is not one of %v", action.Boot.Target, node.Boot.AllowableTargets)
		}
		patch := map[string]any{
			"Boot": map[string]string{
				"BootSourceOverrideEnabled": action.Boot.Enabled,
				"BootSourceOverrideTarget":  action.Boot.Target,
			},
		}
		if _, err := d.client.Patch(ctx, ref, patch, nil); err != nil {
			return driver.Confirmation{}, err
		}
		return driver.Confirmation{Code: "ACCEPTED", Detail: fmt.Sprintf("boot source of node %s set to %s (%s)", index, action.Boot.Target, action.Boot.Enabled)}, nil

	default:
		return driver.Confirmation{}, apierr.BadRequest("node action %q is not supported by redfish pod managers", action.Name())
	}
}

func (d *Driver) readNode(ctx context.Context, ref string) (driver.NodeDetail, error) {
	var node composedNode
	if _, err := d.client.Get(ctx, ref, &node); err != nil {
		return driver.NodeDetail{}, err
	}

	detail := driver.NodeDetail{
		Index:             node.ID,
		Name:              node.Name,
		Description:       node.Description,
		ComputerSystemID:  lastSegment(node.Links.ComputerSystem.ID),
		ComposedNodeState: node.ComposedNodeState,
		PowerState:        node.PowerState,
		Health:            node.Status.Health,
		Processor:         driver.ProcessorSummary{Count: node.Processors.Count, Model: node.Processors.Model},
		Memory:            driver.MemorySummary{TotalMiB: int(node.Memory.TotalSystemMemoryGiB * 1024)},
	}
	if detail.Index == "" {
		detail.Index = lastSegment(ref)
	}
	if node.Boot.Enabled != "" || node.Boot.Target != "" {
		detail.BootSource = &driver.BootAction{Enabled: node.Boot.Enabled, Target: node.Boot.Target}
	}
	for _, drive := range append(append([]odataRef{}, node.Links.LocalDrives...), node.Links.RemoteDrives...) {
		detail.VolumeIDs = append(detail.VolumeIDs, lastSegment(drive.ID))
	}

	processors := make([]processor, len(node.Links.Processors))
	memory := make([]memoryModule, len(node.Links.Memory))
	nics := make([]ethernetInterface, len(node.Links.EthernetInterfaces))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(d.walkConcurrency)
	for i, ref := range node.Links.Processors {
		group.Go(func() error {
			_, err := d.client.Get(gctx, ref.ID, &processors[i])
			return err
		})
	}
	for i, ref := range node.Links.Memory {
		group.Go(func() error {
			_, err := d.client.Get(gctx, ref.ID, &memory[i])
			return err
		})
	}
	for i, ref := range node.Links.EthernetInterfaces {
		group.Go(func() error {
			_, err := d.client.Get(gctx, ref.ID, &nics[i])
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return driver.NodeDetail{}, err
	}

	applyProcessors(&detail.Processor, processors)
	applyMemory(&detail.Memory, memory)
	detail.Network = toNetwork(nics)
	return detail, nil
}

func applyProcessors(summary *driver.ProcessorSummary, processors []processor) {
	if len(processors) == 0 {
		return
	}
	if summary.Count == 0 {
		summary.Count = len(processors)
	}
	cores := 0
	for _, p := range processors {
		cores += p.TotalCores
		if summary.Model == "" {
			summary.Model = p.Model
		}
		if summary.Arch == "" {
			summary.Arch = p.InstructionSet
		}
	}
	summary.TotalCores = cores
}

func applyMemory(summary *driver.MemorySummary, modules []memoryModule) {
	if len(modules) == 0 {
		return
	}
	total := 0
	for _, m := range modules {
		total += m.CapacityMiB
		if summary.Type == "" {
			summary.Type = m.MemoryDeviceType
			if summary.Type == "" {
				summary.Type = m.DimmDeviceType
			}
		}
	}
	if total > 0 {
		summary.TotalMiB = total
	}
}

func toNetwork(nics []ethernetInterface) []driver.NetworkInterface {
	if len(nics) == 0 {
		return nil
	}
	out := make([]driver.NetworkInterface, 0, len(nics))
	for _, nic := range nics {
		out = append(out, driver.NetworkInterface{
			ID:         nic.ID,
			MacAddress: nic.MACAddress,
			SpeedMbps:  nic.SpeedMbps,
			Status:     nic.Status.State,
		})
	}
	return out
}

func nodeURI(index string) string {
	trimmed := strings.TrimSpace(index)
	if strings.HasPrefix(trimmed, "/") || strings.Contains(trimmed, "://") {
		return trimmed
	}
	return nodesPath + "/" + trimmed
}

// buildAllocateRequest translates the sparse requirements; sections and fields
// the caller omitted are not sent.
func buildAllocateRequest(req driver.ComposeRequest) (allocateRequest, error) {
	out := allocateRequest{Name: req.Name, Description: req.Description}
	r := req.Requirements

	if r.PCIDevice != nil && len(r.PCIDevice.Type) > 0 {
		return allocateRequest{}, apierr.BadRequest("pci_device requirements are only supported by expether pod managers")
	}

	if r.Memory != nil {
		mem := allocMemory{DimmDeviceType: r.Memory.Type}
		if r.Memory.CapacityMiB != "" {
			v, err := r.Memory.CapacityMiB.Int64()
			if err != nil || v <= 0 {
				return allocateRequest{}, apierr.BadRequest("memory.capacity_mib must be a positive integer")
			}
			mem.CapacityMiB = v
		}
		if mem != (allocMemory{}) {
			out.Memory = []allocMemory{mem}
		}
	}

	if r.Processor != nil {
		proc := allocProcessor{Model: r.Processor.Model, InstructionSet: r.Processor.InstructionSet}
		if r.Processor.TotalCores != "" {
			v, err := r.Processor.TotalCores.Int64()
			if err != nil || v <= 0 {
				return allocateRequest{}, apierr.BadRequest("processor.total_cores must be a positive integer")
			}
			proc.TotalCores = v
		}
		if proc != (allocProcessor{}) {
			out.Processors = []allocProcessor{proc}
		}
	}

	if r.LocalDrive != nil {
		drive := allocDrive{Type: r.LocalDrive.Type, Interface: r.LocalDrive.Interface}
		if r.LocalDrive.CapacityGiB != "" {
			v, err := r.LocalDrive.CapacityGiB.Float64()
			if err != nil || v <= 0 {
				return allocateRequest{}, apierr.BadRequest("local_drive.capacity_gib must be a positive number")
			}
			drive.CapacityGiB = v
		}
		if drive != (allocDrive{}) {
			out.LocalDrives = []allocDrive{drive}
		}
	}

	if r.Network != nil {
		nic := allocEthernet{}
		if r.Network.SpeedMbps != "" {
			v, err := r.Network.SpeedMbps.Int64()
			if err != nil || v <= 0 {
				return allocateRequest{}, apierr.BadRequest("network.speed_mbps must be a positive integer")
			}
			nic.SpeedMbps = v
		}
		if r.Network.VLANID != "" {
			v, err := r.Network.VLANID.Int64()
			if err != nil || v < 0 {
				return allocateRequest{}, apierr.BadRequest("network.vlan_id must be a non-negative integer")
			}
			nic.VLANs = []allocVLAN{{VLANEnable: true, VLANID: v}}
		}
		if nic.SpeedMbps != 0 || len(nic.VLANs) > 0 {
			out.EthernetInterfaces = []allocEthernet{nic}
		}
	}

	return out, nil
}
