package nipca

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/koron/go-ssdp"
)

// upnpBasicDevice is the UPnP search target NIPCA cameras answer to
const upnpBasicDevice = "urn:schemas-upnp-org:device:Basic:1.0"

const descriptionTimeout = 5 * time.Second

// DiscoveredDevice is a camera found on the local network
type DiscoveredDevice struct {
	PresentationURL string
	Name            string
	Model           string
	Manufacturer    string
	Location        string // device description URL
}

// deviceDescription mirrors the UPnP device description document
type deviceDescription struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		FriendlyName    string `xml:"friendlyName"`
		Manufacturer    string `xml:"manufacturer"`
		ModelName       string `xml:"modelName"`
		PresentationURL string `xml:"presentationURL"`
	} `xml:"device"`
}

// Discover sends an SSDP M-SEARCH for UPnP Basic devices and resolves
// each responder's device description. A device that fails to resolve
// is logged and skipped; one bad responder never aborts the scan.
func Discover(ctx context.Context, wait time.Duration, logger *slog.Logger) ([]DiscoveredDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	waitSec := int(wait.Seconds())
	if waitSec < 1 {
		waitSec = 1
	}

	services, err := ssdp.Search(upnpBasicDevice, waitSec, "")
	if err != nil {
		return nil, fmt.Errorf("ssdp search failed: %w", err)
	}

	httpc := &http.Client{Timeout: descriptionTimeout}

	seen := make(map[string]bool)
	var devices []DiscoveredDevice

	for _, svc := range services {
		if seen[svc.Location] {
			continue
		}
		seen[svc.Location] = true

		desc, err := fetchDeviceDescription(ctx, httpc, svc.Location)
		if err != nil {
			logger.Warn("Device description fetch failed", "location", svc.Location, "error", err)
			continue
		}

		if desc.Device.PresentationURL == "" {
			logger.Debug("Device has no presentation URL, skipping", "location", svc.Location)
			continue
		}

		devices = append(devices, DiscoveredDevice{
			PresentationURL: desc.Device.PresentationURL,
			Name:            desc.Device.FriendlyName,
			Model:           desc.Device.ModelName,
			Manufacturer:    desc.Device.Manufacturer,
			Location:        svc.Location,
		})
	}

	return devices, nil
}

// fetchDeviceDescription downloads and parses a UPnP device description
func fetchDeviceDescription(ctx context.Context, httpc *http.Client, location string) (*deviceDescription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("description returned %s", resp.Status)
	}

	var desc deviceDescription
	if err := xml.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to parse description: %w", err)
	}

	return &desc, nil
}
