package model

import "time"

// ComposedNode is a logical machine assembled from pooled resources.
type ComposedNode struct {
	UUID             string    `json:"uuid"`
	Index            string    `json:"index"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	ComputerSystemID string    `json:"computer_system_id,omitempty"`
	VolumeIDs        []string  `json:"volume_id,omitempty"`
	PodmID           string    `json:"podm_id"`
	ManagedBy        string    `json:"managed_by,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
