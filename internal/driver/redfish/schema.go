package redfish

// Wire shapes for the subset of the Redfish/RSD schema the driver relies on.

type odataRef struct {
	ID string `json:"@odata.id"`
}

type collection struct {
	Members []odataRef `json:"Members"`
}

type status struct {
	State  string `json:"State,omitempty"`
	Health string `json:"Health,omitempty"`
}

type serviceRoot struct {
	ID             string `json:"Id"`
	Name           string `json:"Name"`
	UUID           string `json:"UUID"`
	RedfishVersion string `json:"RedfishVersion"`
}

type actionTarget struct {
	Target string `json:"target"`
}

type nodeCollection struct {
	Members []odataRef `json:"Members"`
	Actions struct {
		Allocate actionTarget `json:"#ComposedNodeCollection.Allocate"`
	} `json:"Actions"`
}

type resetTarget struct {
	Target           string   `json:"target"`
	AllowableResets  []string `json:"ResetType@Redfish.AllowableValues"`
	AllowableResetsV []string `json:"ResetType@DMTF.AllowableValues"`
}

type bootSettings struct {
	Enabled          string   `json:"BootSourceOverrideEnabled"`
	Target           string   `json:"BootSourceOverrideTarget"`
	AllowableTargets []string `json:"BootSourceOverrideTarget@Redfish.AllowableValues"`
}

type composedNode struct {
	ODataID           string       `json:"@odata.id"`
	ID                string       `json:"Id"`
	Name              string       `json:"Name"`
	Description       string       `json:"Description"`
	ComposedNodeState string       `json:"ComposedNodeState"`
	PowerState        string       `json:"PowerState"`
	Status            status       `json:"Status"`
	Boot              bootSettings `json:"Boot"`
	Processors        struct {
		Count int    `json:"Count"`
		Model string `json:"Model"`
	} `json:"Processors"`
	Memory struct {
		TotalSystemMemoryGiB float64 `json:"TotalSystemMemoryGiB"`
	} `json:"Memory"`
	Links struct {
		ComputerSystem     odataRef   `json:"ComputerSystem"`
		Processors         []odataRef `json:"Processors"`
		Memory             []odataRef `json:"Memory"`
		EthernetInterfaces []odataRef `json:"EthernetInterfaces"`
		LocalDrives        []odataRef `json:"LocalDrives"`
		RemoteDrives       []odataRef `json:"RemoteDrives"`
	} `json:"Links"`
	Actions struct {
		Reset    resetTarget  `json:"#ComposedNode.Reset"`
		Assemble actionTarget `json:"#ComposedNode.Assemble"`
	} `json:"Actions"`
}

type processor struct {
	ID             string `json:"Id"`
	Model          string `json:"Model"`
	TotalCores     int    `json:"TotalCores"`
	InstructionSet string `json:"InstructionSet"`
}

type memoryModule struct {
	ID               string `json:"Id"`
	CapacityMiB      int    `json:"CapacityMiB"`
	MemoryDeviceType string `json:"MemoryDeviceType"`
	DimmDeviceType   string `json:"DimmDeviceType"`
}

type ethernetInterface struct {
	ID         string `json:"Id"`
	MACAddress string `json:"MACAddress"`
	SpeedMbps  int    `json:"SpeedMbps"`
	Status     status `json:"Status"`
}

type computerSystem struct {
	ODataID          string `json:"@odata.id"`
	ID               string `json:"Id"`
	Name             string `json:"Name"`
	SystemType       string `json:"SystemType"`
	Manufacturer     string `json:"Manufacturer"`
	Model            string `json:"Model"`
	SerialNumber     string `json:"SerialNumber"`
	PowerState       string `json:"PowerState"`
	Status           status `json:"Status"`
	ProcessorSummary struct {
		Count int    `json:"Count"`
		Model string `json:"Model"`
	} `json:"ProcessorSummary"`
	MemorySummary struct {
		TotalSystemMemoryGiB float64 `json:"TotalSystemMemoryGiB"`
	} `json:"MemorySummary"`
	Processors         odataRef `json:"Processors"`
	Memory             odataRef `json:"Memory"`
	EthernetInterfaces odataRef `json:"EthernetInterfaces"`
	Links              struct {
		Chassis []odataRef `json:"Chassis"`
	} `json:"Links"`
}

type chassis struct {
	ODataID     string `json:"@odata.id"`
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	ChassisType string `json:"ChassisType"`
	Links       struct {
		Contains        []odataRef `json:"Contains"`
		ContainedBy     odataRef   `json:"ContainedBy"`
		ComputerSystems []odataRef `json:"ComputerSystems"`
	} `json:"Links"`
}

type redfishError struct {
	Error struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		ExtendedInfo []struct {
			MessageID string `json:"MessageId"`
			Message   string `json:"Message"`
		} `json:"@Message.ExtendedInfo"`
	} `json:"error"`
}

type allocateRequest struct {
	Name               string           `json:"Name"`
	Description        string           `json:"Description,omitempty"`
	Processors         []allocProcessor `json:"Processors,omitempty"`
	Memory             []allocMemory    `json:"Memory,omitempty"`
	LocalDrives        []allocDrive     `json:"LocalDrives,omitempty"`
	EthernetInterfaces []allocEthernet  `json:"EthernetInterfaces,omitempty"`
}

type allocProcessor struct {
	Model          string `json:"Model,omitempty"`
	TotalCores     int64  `json:"TotalCores,omitempty"`
	InstructionSet string `json:"InstructionSet,omitempty"`
}

type allocMemory struct {
	CapacityMiB    int64  `json:"CapacityMiB,omitempty"`
	DimmDeviceType string `json:"DimmDeviceType,omitempty"`
}

type allocDrive struct {
	CapacityGiB float64 `json:"CapacityGiB,omitempty"`
	Type        string  `json:"Type,omitempty"`
	Interface   string  `json:"Interface,omitempty"`
}

type allocEthernet struct {
	SpeedMbps int64       `json:"SpeedMbps,omitempty"`
	VLANs     []allocVLAN `json:"VLANs,omitempty"`
}

type allocVLAN struct {
	VLANEnable bool  `json:"VLANEnable"`
	VLANID     int64 `json:"VLANId"`
}
