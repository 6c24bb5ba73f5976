package netstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service type soundio advertises.
const ServiceType = "_soundio._tcp"

// TXTRecords builds the DNS-SD TXT entries for streams.
func TXTRecords(codec string, streams []Info) []string {
	txt := []string{"path=/stream", "codec=" + codec}
	var sources, sinks []string
	for _, s := range streams {
		if s.Kind == "source" {
			sources = append(sources, s.Name)
		} else {
			sinks = append(sinks, s.Name)
		}
	}
	if len(sources) > 0 {
		txt = append(txt, "sources="+strings.Join(sources, ","))
	}
	if len(sinks) > 0 {
		txt = append(txt, "sinks="+strings.Join(sinks, ","))
	}
	return txt
}

// Advertise announces the hub's streams on the local network until ctx is
// cancelled.
func (h *Hub) Advertise(ctx context.Context, instance string, port int) error {
	ips, err := localIPs()
	if err != nil {
		return fmt.Errorf("netstream: local addresses: %w", err)
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, ips, TXTRecords(string(h.codec), h.Streams()))
	if err != nil {
		return fmt.Errorf("netstream: mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("netstream: mdns server: %w", err)
	}
	slog.Info("advertising streams", "instance", instance, "service", ServiceType, "port", port)
	<-ctx.Done()
	return server.Shutdown()
}

// localIPs returns the IPv4 addresses of every non-loopback interface that
// is up.
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
