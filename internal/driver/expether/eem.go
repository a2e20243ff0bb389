package expether

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
)

const (
	eemAPIVersionPath = "/eem/api_version"
	eemDevicesPath    = "/eem/devices"

	statusEESV = "eesv"
	statusEEIO = "eeio"
)

// eemDevice is one entry of the EEM device inventory.
type eemDevice struct {
	ID               string      `json:"id"`
	Status           string      `json:"status"`
	GroupID          string      `json:"group_id"`
	Type             string      `json:"type"`
	MACAddress       string      `json:"mac_address"`
	SerialNumber     string      `json:"serial_number"`
	HostSerialNumber string      `json:"host_serial_number"`
	HostModel        string      `json:"host_model"`
	PCIeVendorID     string      `json:"pcie_vendor_id"`
	PCIeDeviceID     string      `json:"pcie_device_id"`
	PCIeClassCode    string      `json:"pcie_class_code"`
	EEIOCount        json.Number `json:"eeio_count"`
	MaxEEIOCount     json.Number `json:"max_eeio_count"`
	PowerStatus      string      `json:"power_status"`
}

func (d eemDevice) isEESV() bool {
	return strings.EqualFold(d.Status, statusEESV)
}

func (d eemDevice) counts() (int, int) {
	used, _ := strconv.Atoi(d.EEIOCount.String())
	limit, _ := strconv.Atoi(d.MaxEEIOCount.String())
	return used, limit
}

type eemDeviceList struct {
	Devices []eemDevice `json:"devices"`
}

type eemDeviceEnvelope struct {
	Device eemDevice `json:"device"`
}

type eemAPIVersion struct {
	APIVersion string `json:"api_version"`
}

type eemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// eemClient wraps the shared HTTP client with EEM endpoints.
type eemClient struct {
	http *driver.HTTPClient
}

func (c *eemClient) apiVersion(ctx context.Context) (string, error) {
	var out eemAPIVersion
	if _, err := c.http.Get(ctx, eemAPIVersionPath, &out); err != nil {
		return "", err
	}
	return out.APIVersion, nil
}

func (c *eemClient) listDevices(ctx context.Context) ([]eemDevice, error) {
	var out eemDeviceList
	if _, err := c.http.Get(ctx, eemDevicesPath+"/detail", &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *eemClient) getDevice(ctx context.Context, id string) (eemDevice, error) {
	var out eemDeviceEnvelope
	if _, err := c.http.Get(ctx, eemDevicesPath+"/"+id, &out); err != nil {
		return eemDevice{}, err
	}
	if out.Device.ID == "" {
		out.Device.ID = id
	}
	return out.Device, nil
}

func (c *eemClient) setGroupID(ctx context.Context, id, groupID string) error {
	_, err := c.http.Put(ctx, eemDevicesPath+"/"+id+"/group_id", map[string]string{"group_id": groupID}, nil)
	return err
}

func (c *eemClient) deleteGroupID(ctx context.Context, id string) error {
	_, err := c.http.Delete(ctx, eemDevicesPath+"/"+id+"/group_id")
	return err
}

func normalizeError(status int, body []byte) error {
	var parsed eemError
	if err := json.Unmarshal(body, &parsed); err == nil {
		code, message := parsed.Code, parsed.Message
		if message == "" {
			code, message = parsed.Error.Code, parsed.Error.Message
		}
		if message != "" {
			return apierr.ExpEther(status, code, message)
		}
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return apierr.ExpEther(status, "", detail)
}

func isNotFound(err error) bool {
	apiErr, ok := apierr.As(err)
	return ok && apiErr.Status == http.StatusNotFound
}
