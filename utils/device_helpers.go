// Package utils holds device setup shared by the occa backend and its
// tests.
package utils

import (
	"context"
	"fmt"

	"github.com/notargets/gocca"

	"github.com/notargets/FEKernel/logging"
)

// fallbacks are tried in order after the requested properties
var fallbacks = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice opens the device described by props, an OCCA JSON string.
// When props is empty or cannot be opened the parallel backends are tried
// and then Serial.
func CreateDevice(ctx context.Context, props string) (*gocca.OCCADevice, error) {
	logger := logging.FromContext(ctx)
	candidates := fallbacks
	if props != "" {
		candidates = append([]string{props}, fallbacks...)
	}
	var lastErr error
	for i, p := range candidates {
		device, err := gocca.NewDevice(p)
		if err != nil {
			if i == 0 && props != "" {
				logger.Warn("requested device unavailable, falling back", "props", p, "error", err)
			}
			lastErr = err
			continue
		}
		logger.Debug("created device", "mode", device.Mode())
		return device, nil
	}
	return nil, fmt.Errorf("no OCCA device available: %w", lastErr)
}
