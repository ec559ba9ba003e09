package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/treykane/wg-manager/internal/model"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// LinkOps is the subset of netlink the kernel backend uses.
type LinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	LinkAdd(link netlink.Link) error
	LinkDel(link netlink.Link) error
	LinkSetUp(link netlink.Link) error
	LinkSetMTU(link netlink.Link, mtu int) error
	AddrAdd(link netlink.Link, addr *netlink.Addr) error
	RouteAdd(route *netlink.Route) error
}

// DeviceClient is the subset of *wgctrl.Client the kernel backend uses.
type DeviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	Devices() ([]*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

type netlinkOps struct{}

func (netlinkOps) LinkByName(name string) (netlink.Link, error)  { return netlink.LinkByName(name) }
func (netlinkOps) LinkAdd(link netlink.Link) error               { return netlink.LinkAdd(link) }
func (netlinkOps) LinkDel(link netlink.Link) error               { return netlink.LinkDel(link) }
func (netlinkOps) LinkSetUp(link netlink.Link) error             { return netlink.LinkSetUp(link) }
func (netlinkOps) LinkSetMTU(link netlink.Link, mtu int) error   { return netlink.LinkSetMTU(link, mtu) }
func (netlinkOps) AddrAdd(l netlink.Link, a *netlink.Addr) error { return netlink.AddrAdd(l, a) }
func (netlinkOps) RouteAdd(route *netlink.Route) error           { return netlink.RouteAdd(route) }

// Kernel brings tunnels up in-process: it creates the wireguard link,
// programs keys and peers through wgctrl and installs peer routes.
// DNS and wg-quick hook directives are not applied.
type Kernel struct {
	links  LinkOps
	client DeviceClient
	log    *slog.Logger
}

// OpenKernel connects to the kernel WireGuard generic netlink family.
func OpenKernel(logger *slog.Logger) (*Kernel, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, &IOError{Op: "open wgctrl", Err: err}
	}
	return NewKernel(netlinkOps{}, client, logger), nil
}

// NewKernel builds a kernel backend over links and client. Tests pass fakes.
func NewKernel(links LinkOps, client DeviceClient, logger *slog.Logger) *Kernel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		links:  links,
		client: client,
		log:    logger.With("component", "backend", "backend", KindKernel.String()),
	}
}

// Kind reports KindKernel.
func (b *Kernel) Kind() Kind { return KindKernel }

// SupportsStatePersistence is false: interfaces created over netlink do
// not survive a restart of the host.
func (b *Kernel) SupportsStatePersistence() bool { return false }

// Close releases the wgctrl handle.
func (b *Kernel) Close() error { return b.client.Close() }

// Apply creates and configures the interface for up and deletes it for
// down. It returns the state the interface is in afterwards.
func (b *Kernel) Apply(ctx context.Context, name string, cfg *model.Config, desired model.State) (model.State, error) {
	if err := checkDesired(desired); err != nil {
		return b.CurrentState(ctx, name), err
	}
	if desired == model.StateDown {
		return b.down(name)
	}
	if b.CurrentState(ctx, name) == model.StateUp {
		return model.StateUp, nil
	}
	if cfg == nil {
		return model.StateDown, &IOError{Op: "configure", Tunnel: name, Err: errors.New("missing config")}
	}
	return b.up(name, cfg)
}

func (b *Kernel) up(name string, cfg *model.Config) (model.State, error) {
	wgCfg, err := toDeviceConfig(cfg)
	if err != nil {
		return model.StateDown, &IOError{Op: "parse config", Tunnel: name, Err: err}
	}

	if err := b.clearStale(name); err != nil {
		return model.StateDown, err
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	link := &netlink.GenericLink{LinkAttrs: attrs, LinkType: "wireguard"}
	if err := b.links.LinkAdd(link); err != nil {
		return model.StateDown, &IOError{Op: "link add", Tunnel: name, Err: err}
	}
	fail := func(op string, err error) (model.State, error) {
		if delErr := b.links.LinkDel(link); delErr != nil {
			b.log.Warn("rollback failed", "tunnel", name, "error", delErr)
		}
		return model.StateDown, &IOError{Op: op, Tunnel: name, Err: err}
	}

	created, err := b.links.LinkByName(name)
	if err != nil {
		return fail("link lookup", err)
	}
	if cfg.Interface.MTU > 0 {
		if err := b.links.LinkSetMTU(created, cfg.Interface.MTU); err != nil {
			return fail("set mtu", err)
		}
	}
	for _, a := range cfg.Interface.Addresses {
		addr, err := netlink.ParseAddr(a)
		if err != nil {
			return fail("parse address", err)
		}
		if err := b.links.AddrAdd(created, addr); err != nil {
			return fail("addr add", err)
		}
	}
	if err := b.client.ConfigureDevice(name, wgCfg); err != nil {
		return fail("configure device", err)
	}
	if err := b.links.LinkSetUp(created); err != nil {
		return fail("link up", err)
	}
	for _, p := range wgCfg.Peers {
		for _, dst := range p.AllowedIPs {
			if ones, _ := dst.Mask.Size(); ones == 0 {
				b.log.Warn("default route not installed; use the wg-quick backend for full tunnels", "tunnel", name, "allowed_ip", dst.String())
				continue
			}
			route := &netlink.Route{LinkIndex: created.Attrs().Index, Dst: &dst}
			if err := b.links.RouteAdd(route); err != nil {
				return fail("route add", err)
			}
		}
	}
	if len(cfg.Interface.DNS) > 0 {
		b.log.Debug("dns servers are not applied by the kernel backend", "tunnel", name)
	}
	return model.StateUp, nil
}

// clearStale removes a wireguard link left administratively down so the
// tunnel is rebuilt from its config. A non-wireguard link with the same name
// is never touched.
func (b *Kernel) clearStale(name string) error {
	link, err := b.links.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return nil
		}
		return &IOError{Op: "link lookup", Tunnel: name, Err: err}
	}
	if link.Type() != "wireguard" {
		return &IOError{Op: "link add", Tunnel: name, Err: fmt.Errorf("interface name in use by a %s link", link.Type())}
	}
	b.log.Info("removing stale wireguard link", "tunnel", name)
	if err := b.links.LinkDel(link); err != nil {
		return &IOError{Op: "link del", Tunnel: name, Err: err}
	}
	return nil
}

func (b *Kernel) down(name string) (model.State, error) {
	link, err := b.links.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return model.StateDown, nil
		}
		return model.StateUp, &IOError{Op: "link lookup", Tunnel: name, Err: err}
	}
	if err := b.links.LinkDel(link); err != nil {
		return model.StateUp, &IOError{Op: "link del", Tunnel: name, Err: err}
	}
	return model.StateDown, nil
}

// CurrentState reports Up only for a wireguard link with IFF_UP set.
func (b *Kernel) CurrentState(ctx context.Context, name string) model.State {
	link, err := b.links.LinkByName(name)
	if err != nil {
		return model.StateDown
	}
	if link.Type() != "wireguard" || link.Attrs().Flags&net.FlagUp == 0 {
		return model.StateDown
	}
	return model.StateUp
}

// RunningNames lists wireguard devices whose link is up; a device left
// administratively down is not running.
func (b *Kernel) RunningNames(ctx context.Context) ([]string, error) {
	devs, err := b.client.Devices()
	if err != nil {
		return nil, &IOError{Op: "list devices", Err: err}
	}
	names := make([]string, 0, len(devs))
	for _, d := range devs {
		if b.CurrentState(ctx, d.Name) == model.StateUp {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// Statistics reads per-peer counters from the device.
func (b *Kernel) Statistics(ctx context.Context, name string) (model.Statistics, error) {
	dev, err := b.client.Device(name)
	if err != nil {
		return model.Statistics{}, &IOError{Op: "device", Tunnel: name, Err: err}
	}
	stats := model.Statistics{UpdatedAt: time.Now().UTC()}
	for _, p := range dev.Peers {
		stats.Peers = append(stats.Peers, model.PeerStats{
			PublicKey:       p.PublicKey.String(),
			RxBytes:         p.ReceiveBytes,
			TxBytes:         p.TransmitBytes,
			LatestHandshake: p.LastHandshakeTime,
		})
	}
	return stats, nil
}

// Version reports the loaded wireguard module version when sysfs exposes it.
func (b *Kernel) Version(ctx context.Context) (string, error) {
	if v, err := os.ReadFile("/sys/module/wireguard/version"); err == nil {
		return "wireguard kernel module " + strings.TrimSpace(string(v)), nil
	}
	return "wireguard kernel module", nil
}

func toDeviceConfig(cfg *model.Config) (wgtypes.Config, error) {
	priv, err := wgtypes.ParseKey(cfg.Interface.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("private key: %w", err)
	}
	out := wgtypes.Config{PrivateKey: &priv, ReplacePeers: true}
	if cfg.Interface.ListenPort != 0 {
		port := cfg.Interface.ListenPort
		out.ListenPort = &port
	}
	if cfg.Interface.FwMark != 0 {
		mark := cfg.Interface.FwMark
		out.FirewallMark = &mark
	}
	for i, p := range cfg.Peers {
		pub, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("peer %d public key: %w", i+1, err)
		}
		pc := wgtypes.PeerConfig{PublicKey: pub, ReplaceAllowedIPs: true}
		if p.PresharedKey != "" {
			psk, err := wgtypes.ParseKey(p.PresharedKey)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("peer %d preshared key: %w", i+1, err)
			}
			pc.PresharedKey = &psk
		}
		if p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("peer %d endpoint: %w", i+1, err)
			}
			pc.Endpoint = ep
		}
		if p.PersistentKeepalive > 0 {
			ka := time.Duration(p.PersistentKeepalive) * time.Second
			pc.PersistentKeepaliveInterval = &ka
		}
		for _, cidr := range p.AllowedIPs {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("peer %d allowed ip: %w", i+1, err)
			}
			pc.AllowedIPs = append(pc.AllowedIPs, *ipnet)
		}
		out.Peers = append(out.Peers, pc)
	}
	return out, nil
}
