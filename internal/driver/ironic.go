package driver

import "strings"

// MergeOverrides applies caller overrides onto node args. Map-valued keys are
// merged one level deep; everything else is replaced.
func MergeOverrides(nodeArgs, overrides map[string]any) {
	for key, value := range overrides {
		incoming, isMap := value.(map[string]any)
		existing, hasMap := nodeArgs[key].(map[string]any)
		if isMap && hasMap {
			for k, v := range incoming {
				existing[k] = v
			}
			continue
		}
		nodeArgs[key] = value
	}
}

// PortArgs returns one port argument set per interface with a MAC address.
func PortArgs(nics []NetworkInterface) []map[string]any {
	ports := make([]map[string]any, 0, len(nics))
	for _, nic := range nics {
		mac := strings.ToLower(strings.TrimSpace(nic.MacAddress))
		if mac == "" {
			continue
		}
		ports = append(ports, map[string]any{"address": mac})
	}
	return ports
}
