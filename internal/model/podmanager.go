// Package model contains internal domain models for the valence service.
package model

import (
	"strings"
	"time"
)

// Pod manager driver names.
const (
	DriverRedfishV1 = "redfishv1"
	DriverExpEther  = "expether"
)

// Pod manager statuses.
const (
	PodManagerOnline  = "Online"
	PodManagerOffline = "Offline"
	PodManagerUnknown = "Unknown"
)

// AuthTypeBasic is the only interpretable authentication type.
const AuthTypeBasic = "basic"

// AuthMethod is one entry of a pod manager's ordered authentication list.
type AuthMethod struct {
	Type      string            `json:"type" yaml:"type" validate:"required,max=32"`
	AuthItems map[string]string `json:"auth_items" yaml:"auth_items"`
}

// PodManager is a registered hardware-composition controller.
type PodManager struct {
	UUID           string       `json:"uuid"`
	Name           string       `json:"name"`
	URL            string       `json:"url"`
	Driver         string       `json:"driver"`
	Authentication []AuthMethod `json:"authentication"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// BasicCredentials returns the first basic-auth username/password pair.
func (p PodManager) BasicCredentials() (string, string, bool) {
	for _, method := range p.Authentication {
		if !strings.EqualFold(strings.TrimSpace(method.Type), AuthTypeBasic) {
			continue
		}
		username := method.AuthItems["username"]
		password := method.AuthItems["password"]
		return username, password, true
	}
	return "", "", false
}

// Redacted returns a copy with secret auth items masked.
func (p PodManager) Redacted() PodManager {
	methods := make([]AuthMethod, 0, len(p.Authentication))
	for _, method := range p.Authentication {
		items := make(map[string]string, len(method.AuthItems))
		for key, value := range method.AuthItems {
			if strings.EqualFold(key, "password") {
				value = "***"
			}
			items[key] = value
		}
		methods = append(methods, AuthMethod{Type: method.Type, AuthItems: items})
	}
	p.Authentication = methods
	return p
}
