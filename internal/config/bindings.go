package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseStaticBindings parses the comma-separated
// "client_ip:client_port:local_port" list, the
// static-bindings key.
func ParseStaticBindings(s string) ([]StaticBinding, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	bindings := make([]StaticBinding, 0, len(parts))
	for _, p := range parts {
		b, err := parseStaticBinding(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func parseStaticBinding(s string) (StaticBinding, error) {
	fields := strings.Split(s, ":")
	if len(fields) != 3 {
		return StaticBinding{}, fmt.Errorf("config: static binding %q must be client_ip:client_port:local_port", s)
	}
	ip := net.ParseIP(fields[0]).To4()
	if ip == nil {
		return StaticBinding{}, fmt.Errorf("config: static binding %q has an invalid IPv4 client address", s)
	}
	clientPort, err := parsePort(fields[1])
	if err != nil {
		return StaticBinding{}, fmt.Errorf("config: static binding %q has an invalid client port: %w", s, err)
	}
	localPort, err := parsePort(fields[2])
	if err != nil {
		return StaticBinding{}, fmt.Errorf("config: static binding %q has an invalid local port: %w", s, err)
	}
	return StaticBinding{ClientIP: ip, ClientPort: clientPort, LocalPort: localPort}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be 1..65535")
	}
	return uint16(n), nil
}
