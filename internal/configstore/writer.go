package configstore

import (
	"fmt"
	"strings"

	"github.com/treykane/wg-manager/internal/model"
)

// Format renders cfg as a wg-quick config. Only the fields the parser
// understands are emitted; callers holding Raw should prefer it.
func Format(cfg model.Config) []byte {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.Interface.PrivateKey)
	if len(cfg.Interface.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", strings.Join(cfg.Interface.Addresses, ", "))
	}
	if cfg.Interface.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.Interface.ListenPort)
	}
	if len(cfg.Interface.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(cfg.Interface.DNS, ", "))
	}
	if cfg.Interface.MTU != 0 {
		fmt.Fprintf(&b, "MTU = %d\n", cfg.Interface.MTU)
	}
	if cfg.Interface.FwMark != 0 {
		fmt.Fprintf(&b, "FwMark = %#x\n", cfg.Interface.FwMark)
	}
	for _, p := range cfg.Peers {
		b.WriteString("\n[Peer]\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if p.PresharedKey != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
		}
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(p.AllowedIPs, ", "))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if p.PersistentKeepalive != 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", p.PersistentKeepalive)
		}
	}
	return []byte(b.String())
}
