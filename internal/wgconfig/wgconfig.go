// wgconfig renders WireGuard client configuration for a freshly deployed
// endpoint.
package wgconfig

import "fmt"

// Render builds the client-side config pointing at the endpoint's public
// address. Key material comes from the region's secret bundle.
func Render(clientPrivateKey, serverPublicKey, endpointIPv4 string) string {
	return fmt.Sprintf(`[Interface]
PrivateKey = %s
Address = 10.0.0.2/24, fd42:42:42::2/64
DNS = 1.1.1.1, 2606:4700:4700::1111

[Peer]
PublicKey = %s
Endpoint = %s:51820
AllowedIPs = 0.0.0.0/0, ::/0
PersistentKeepalive = 25
`, clientPrivateKey, serverPublicKey, endpointIPv4)
}
