// Package netif enumerates the interfaces a capture can be started on.
package netif

import (
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Address is one address assigned to an interface.
type Address struct {
	Addr    string `json:"addr"`
	Netmask string `json:"netmask"`
	Family  string `json:"family"` // IPv4 | IPv6
}

// Interface is a capture target.
type Interface struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Addresses   []Address `json:"addresses"`
}

type mapping struct {
	prefix      string
	description string
}

// descriptions maps interface name prefixes to labels per platform. The first
// matching prefix wins.
var descriptions = map[string][]mapping{
	"darwin": {
		{"en", "Wi-Fi/Ethernet"},
		{"awdl", "AirDrop"},
		{"utun", "VPN"},
		{"bridge", "Bridge"},
	},
	"linux": {
		{"eth", "Ethernet"},
		{"wlan", "Wi-Fi"},
		{"lo", "Loopback"},
		{"tun", "VPN"},
	},
	"windows": {
		{"Ethernet", "Ethernet"},
		{"Wi-Fi", "Wireless"},
		{"Loopback", "Loopback"},
		{"Local Area Connection", "Local Area Connection"},
		{"VirtualBox", "VirtualBox"},
		{"VMware", "VMware"},
		{"Hyper-V", "Hyper-V"},
	},
}

var loopbackNames = []string{"lo0", "lo", "Loopback"}

// Describe returns the display label for name on platform, or name itself
// when no prefix matches.
func Describe(platform, name string) string {
	for _, m := range descriptions[platform] {
		if strings.HasPrefix(name, m.prefix) {
			return fmt.Sprintf("%s (%s)", m.description, name)
		}
	}
	return name
}

// link is the raw view of a host interface.
type link struct {
	name     string
	loopback bool
	addrs    []*net.IPNet
}

const cacheKey = "interfaces"

// Enumerator lists host interfaces, caching the result briefly.
type Enumerator struct {
	platform string
	links    func() ([]link, error)
	cache    *cache.Cache
}

// NewEnumerator creates an enumerator whose results are reused for ttl.
// A non-positive ttl disables caching.
func NewEnumerator(ttl time.Duration) *Enumerator {
	return newEnumerator(runtime.GOOS, systemLinks, ttl)
}

func newEnumerator(platform string, links func() ([]link, error), ttl time.Duration) *Enumerator {
	e := &Enumerator{platform: platform, links: links}
	if ttl > 0 {
		e.cache = cache.New(ttl, 2*ttl)
	}
	return e
}

// List returns interfaces that have at least one non-loopback address, plus
// the loopback interface when the host has one.
func (e *Enumerator) List() ([]Interface, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(cacheKey); ok {
			return clone(v.([]Interface)), nil
		}
	}

	links, err := e.links()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	list := e.build(links)

	if e.cache != nil {
		e.cache.SetDefault(cacheKey, list)
	}
	return clone(list), nil
}

// Invalidate drops the cached list.
func (e *Enumerator) Invalidate() {
	if e.cache != nil {
		e.cache.Delete(cacheKey)
	}
}

func (e *Enumerator) build(links []link) []Interface {
	result := make([]Interface, 0, len(links)+1)
	var loopback *link

	for i := range links {
		l := &links[i]
		if l.loopback || isLoopbackName(l.name) {
			if loopback == nil {
				loopback = l
			}
			continue
		}
		var addrs []Address
		for _, n := range l.addrs {
			if n.IP.IsLoopback() {
				continue
			}
			addrs = append(addrs, toAddress(n))
		}
		if len(addrs) == 0 {
			continue
		}
		result = append(result, Interface{
			Name:        l.name,
			Description: Describe(e.platform, l.name),
			Addresses:   addrs,
		})
	}

	if loopback != nil {
		lo := Interface{Name: loopback.name, Description: "Loopback", Addresses: []Address{}}
		for _, n := range loopback.addrs {
			if n.IP.To4() != nil {
				lo.Addresses = append(lo.Addresses, toAddress(n))
			}
		}
		result = append(result, lo)
	}
	return result
}

func isLoopbackName(name string) bool {
	for _, n := range loopbackNames {
		if name == n {
			return true
		}
	}
	return false
}

func toAddress(n *net.IPNet) Address {
	family := "IPv6"
	if n.IP.To4() != nil {
		family = "IPv4"
	}
	return Address{
		Addr:    n.IP.String(),
		Netmask: net.IP(n.Mask).String(),
		Family:  family,
	}
}

func clone(list []Interface) []Interface {
	out := make([]Interface, len(list))
	for i, iface := range list {
		out[i] = iface
		out[i].Addresses = append([]Address(nil), iface.Addresses...)
	}
	return out
}

func systemLinks() ([]link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	links := make([]link, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		l := link{name: iface.Name, loopback: iface.Flags&net.FlagLoopback != 0}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok {
				l.addrs = append(l.addrs, n)
			}
		}
		links = append(links, l)
	}
	return links, nil
}
