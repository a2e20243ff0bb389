package expether

import (
	"sort"
	"strconv"
	"strings"

	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

// Pooled device types.
const (
	DeviceTypeNIC   = "NIC"
	DeviceTypeSSD   = "SSD"
	DeviceTypeGPU   = "GPU"
	DeviceTypeOther = "OTHER"
)

// SupportedDeviceTypes lists the types a composition request may ask for.
var SupportedDeviceTypes = []string{DeviceTypeNIC, DeviceTypeSSD, DeviceTypeGPU}

// PCIe base class codes.
var classTypes = map[string]string{
	"01": DeviceTypeSSD,
	"02": DeviceTypeNIC,
	"03": DeviceTypeGPU,
}

var vendorNames = map[string]string{
	"8086": "Intel Corporation",
	"10de": "NVIDIA Corporation",
	"15b3": "Mellanox Technologies",
	"144d": "Samsung Electronics",
	"1002": "Advanced Micro Devices",
	"14e4": "Broadcom",
	"1077": "QLogic",
}

const (
	minGroupID = 1
	maxGroupID = 4092
)

// deviceType maps a PCIe class code such as "0x020000" to a pooled device type.
func deviceType(classCode string) string {
	code := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(classCode)), "0x")
	if len(code) < 2 {
		return DeviceTypeOther
	}
	if kind, ok := classTypes[code[:2]]; ok {
		return kind
	}
	return DeviceTypeOther
}

func vendorName(vendorID string) string {
	return vendorNames[strings.TrimPrefix(strings.ToLower(strings.TrimSpace(vendorID)), "0x")]
}

func resourceURI(id string) string {
	return "devices/" + id
}

// eesvOwners maps group ids to the EESV that owns them. EESVs still on the
// default group id own nothing.
func eesvOwners(devices []eemDevice) map[string]string {
	owners := make(map[string]string)
	for _, device := range devices {
		if !device.isEESV() || device.GroupID == "" || device.GroupID == model.DefaultEESVGroupID {
			continue
		}
		owners[device.GroupID] = device.ID
	}
	return owners
}

// toDeviceRecords converts the EEIO part of an inventory, recomputing node_id
// from the EESV currently owning each device's group id.
func toDeviceRecords(devices []eemDevice) []driver.DeviceRecord {
	owners := eesvOwners(devices)
	records := make([]driver.DeviceRecord, 0, len(devices))
	for _, device := range devices {
		if !strings.EqualFold(device.Status, statusEEIO) {
			continue
		}

		groupID, nodeID, state := model.DeviceAttachment(device.GroupID, owners[device.GroupID])
		extra := map[string]string{}
		if name := vendorName(device.PCIeVendorID); name != "" {
			extra["vendor_name"] = name
		}
		if device.PCIeVendorID != "" {
			extra["pcie_vendor_id"] = device.PCIeVendorID
		}
		if device.PCIeDeviceID != "" {
			extra["pcie_device_id"] = device.PCIeDeviceID
		}
		if device.GroupID != "" && device.GroupID != groupID {
			extra["unowned_group_id"] = device.GroupID
		}
		if len(extra) == 0 {
			extra = nil
		}

		records = append(records, driver.DeviceRecord{
			Type:          deviceType(device.PCIeClassCode),
			ResourceURI:   resourceURI(device.ID),
			PooledGroupID: groupID,
			NodeID:        nodeID,
			State:         state,
			Properties: model.DeviceProperties{
				DeviceID:   device.ID,
				MacAddress: device.MACAddress,
				Model:      device.Type,
			},
			Extra: extra,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ResourceURI < records[j].ResourceURI })
	return records
}

// freshGroupID returns the smallest group id not used by any device.
func freshGroupID(devices []eemDevice) (string, bool) {
	used := make(map[int]bool, len(devices))
	for _, device := range devices {
		if gid, err := strconv.Atoi(device.GroupID); err == nil {
			used[gid] = true
		}
	}
	for gid := minGroupID; gid <= maxGroupID; gid++ {
		if !used[gid] {
			return strconv.Itoa(gid), true
		}
	}
	return "", false
}

func fabricID(device model.Device) string {
	if device.Properties.DeviceID != "" {
		return device.Properties.DeviceID
	}
	return strings.TrimPrefix(device.ResourceURI, "devices/")
}

func toRecord(device model.Device) driver.DeviceRecord {
	return driver.DeviceRecord{
		Type:          device.Type,
		ResourceURI:   device.ResourceURI,
		PooledGroupID: device.PooledGroupID,
		NodeID:        device.NodeID,
		State:         device.State,
		Properties:    device.Properties,
		Extra:         device.Extra,
	}
}
