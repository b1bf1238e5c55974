//go:build !pcap
// +build !pcap

package capture

import (
	"context"
	"fmt"
)

// Live is a stub implementation when libpcap support is disabled
// Build with -tags=pcap to enable live link-traffic capture
func Live(ctx context.Context, iface string, port int, path string) error {
	return fmt.Errorf("live capture not enabled: rebuild with -tags=pcap to enable link-traffic capture")
}
