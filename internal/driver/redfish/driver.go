// Package redfish implements the pod manager driver for Redfish/RSD composition
// services.
package redfish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-valence/internal/apierr"
	"git.cscs.ch/openchami/chamicore-valence/internal/driver"
	"git.cscs.ch/openchami/chamicore-valence/internal/model"
)

const (
	serviceRootPath = "/redfish/v1"
	nodesPath       = "/redfish/v1/Nodes"
	systemsPath     = "/redfish/v1/Systems"
	chassisPath     = "/redfish/v1/Chassis"

	defaultRollbackTimeout = 30 * time.Second
	defaultCacheSize       = 512
	defaultCacheTTL        = 30 * time.Second
	defaultWalkConcurrency = 8
)

// Driver talks to one Redfish pod manager.
type Driver struct {
	podm            model.PodManager
	client          *driver.HTTPClient
	cache           *expirable.LRU[string, []byte]
	rollbackTimeout time.Duration
	walkConcurrency int
	logger          zerolog.Logger
}

var (
	_ driver.Driver     = (*Driver)(nil)
	_ driver.NodeReader = (*Driver)(nil)
)

// New is the driver.Factory for redfishv1 pod managers.
func New(params driver.Params) (driver.Driver, error) {
	return NewDriver(params)
}

// NewDriver builds a Redfish driver for one pod manager.
func NewDriver(params driver.Params) (*Driver, error) {
	username, password, _ := params.PodManager.BasicCredentials()
	client, err := driver.NewHTTPClient(driver.KindRedfish, params.PodManager.URL, params.HTTP, username, password, normalizeError)
	if err != nil {
		return nil, err
	}

	rollbackTimeout := params.RollbackTimeout
	if rollbackTimeout <= 0 {
		rollbackTimeout = defaultRollbackTimeout
	}

	return &Driver{
		podm:            params.PodManager,
		client:          client,
		cache:           expirable.NewLRU[string, []byte](defaultCacheSize, nil, defaultCacheTTL),
		rollbackTimeout: rollbackTimeout,
		walkConcurrency: defaultWalkConcurrency,
		logger:          params.Logger.With().Str("component", "redfish").Str("podm_id", params.PodManager.UUID).Logger(),
	}, nil
}

// GetStatus probes the service root.
func (d *Driver) GetStatus(ctx context.Context) string {
	if _, err := d.client.Get(ctx, serviceRootPath, nil); err != nil {
		if apierr.IsKind(err, apierr.KindAuthorizationFailure) {
			return model.PodManagerUnknown
		}
		return model.PodManagerOffline
	}
	return model.PodManagerOnline
}

// GetPodmInfo reads the service root.
func (d *Driver) GetPodmInfo(ctx context.Context) (driver.PodmInfo, error) {
	var root serviceRoot
	if _, err := d.client.Get(ctx, serviceRootPath, &root); err != nil {
		return driver.PodmInfo{}, err
	}
	return driver.PodmInfo{
		Driver:     driver.KindRedfish,
		Status:     model.PodManagerOnline,
		APIVersion: root.RedfishVersion,
		Name:       root.Name,
		UUID:       root.UUID,
	}, nil
}

// GetAllDevices returns no pooled devices; Redfish composition has no device pool.
func (d *Driver) GetAllDevices(ctx context.Context) ([]driver.DeviceRecord, error) {
	return []driver.DeviceRecord{}, nil
}

// getCached performs a GET through the short-lived inventory cache.
func (d *Driver) getCached(ctx context.Context, ref string, out any) error {
	key, err := d.client.Resolve(ref)
	if err != nil {
		return err
	}
	if body, ok := d.cache.Get(key); ok {
		return json.Unmarshal(body, out)
	}

	resp, err := d.client.Get(ctx, ref, out)
	if err != nil {
		return err
	}
	d.cache.Add(key, resp.Body)
	return nil
}

func normalizeError(status int, body []byte) error {
	var parsed redfishError
	if err := json.Unmarshal(body, &parsed); err == nil && (parsed.Error.Message != "" || len(parsed.Error.ExtendedInfo) > 0) {
		parts := make([]string, 0, 1+len(parsed.Error.ExtendedInfo))
		if parsed.Error.Message != "" {
			parts = append(parts, parsed.Error.Message)
		}
		for _, info := range parsed.Error.ExtendedInfo {
			if info.Message != "" {
				parts = append(parts, info.Message)
			}
		}
		return apierr.Redfish(status, parsed.Error.Code, strings.Join(parts, "; "))
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	return apierr.Redfish(status, "", detail)
}

func lastSegment(ref string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(ref), "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "?"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return path.Base(trimmed)
}

func isNotFound(err error) bool {
	apiErr, ok := apierr.As(err)
	return ok && apiErr.Status == http.StatusNotFound
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}

func wrapRollback(assembleErr, rollbackErr error, nodeRef string) error {
	status := http.StatusInternalServerError
	if apiErr, ok := apierr.As(assembleErr); ok {
		status = apiErr.Status
	}
	detail := fmt.Sprintf(
		"assembling node %s failed (%v); rollback delete also failed (%v); an orphan allocated node may remain on the fabric",
		nodeRef, assembleErr, rollbackErr,
	)
	return apierr.Redfish(status, "Composition failed, orphan node may exist", detail).WithCause(errors.Join(assembleErr, rollbackErr))
}
