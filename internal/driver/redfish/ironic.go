package redfish

import (
	"context"

	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
)

const defaultIronicDriver = "redfish"

// GetIronicNodeParams derives enrollment arguments from a composed node.
// Top-level override keys replace defaults; map-valued overrides are merged.
func (d *Driver) GetIronicNodeParams(ctx context.Context, node driver.NodeDetail, overrides map[string]any) (driver.IronicParams, error) {
	username, password, _ := d.podm.BasicCredentials()

	driverInfo := map[string]any{
		"redfish_address":  d.client.BaseURL(),
		"redfish_username": username,
		"redfish_password": password,
	}
	if node.ComputerSystemID != "" {
		driverInfo["redfish_system_id"] = systemsPath + "/" + node.ComputerSystemID
	}

	cpus := node.Processor.TotalCores
	if cpus == 0 {
		cpus = node.Processor.Count
	}
	arch := node.Processor.Arch
	if arch == "" {
		arch = "x86_64"
	}

	nodeArgs := map[string]any{
		"name":        node.Name,
		"driver":      defaultIronicDriver,
		"driver_info": driverInfo,
		"properties": map[string]any{
			"cpus":      cpus,
			"memory_mb": node.Memory.TotalMiB,
			"cpu_arch":  arch,
		},
	}
	driver.MergeOverrides(nodeArgs, overrides)

	return driver.IronicParams{NodeArgs: nodeArgs, PortArgs: driver.PortArgs(node.Network)}, nil
}
