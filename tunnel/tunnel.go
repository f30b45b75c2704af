// Package tunnel describes the capability a tunnel provider offers: open a public endpoint that forwards to a
// local port, and close it again.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Provider opens tunnels. Open may block for as long as the provider takes to answer. ctx bounds the open call
// only, a returned Tunnel stays up until Close is called even after ctx is done.
type Provider interface {
	Open(ctx context.Context, opts Options) (Tunnel, error)
}

// Tunnel is a live provider-side endpoint.
type Tunnel interface {
	URL() string
	Close(ctx context.Context) error
}

type Proto string

const (
	ProtoHTTP Proto = "http"
	ProtoTCP  Proto = "tcp"
	ProtoTLS  Proto = "tls"
)

// Protos lists every supported protocol.
var Protos = []Proto{ProtoHTTP, ProtoTCP, ProtoTLS}

// ParseProto returns the protocol named by s, an empty string selects http.
func ParseProto(s string) (Proto, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ProtoHTTP, nil
	}

	for _, p := range Protos {
		if string(p) == s {
			return p, nil
		}
	}

	return "", fmt.Errorf("unknown proto `%s`, possible values: %v", s, Protos)
}

type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionAP Region = "ap"
	RegionAU Region = "au"
	RegionSA Region = "sa"
	RegionJP Region = "jp"
	RegionIN Region = "in"
)

// Regions lists every supported region.
var Regions = []Region{RegionUS, RegionEU, RegionAP, RegionAU, RegionSA, RegionJP, RegionIN}

// ParseRegion returns the region named by s, an empty string selects us.
func ParseRegion(s string) (Region, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RegionUS, nil
	}

	for _, r := range Regions {
		if string(r) == s {
			return r, nil
		}
	}

	return "", fmt.Errorf("unknown region `%s`, possible values: %v", s, Regions)
}

type BasicAuth struct {
	Username string
	Password string
}

// ParseBasicAuth parses a `user:password` pair. An empty string means no basic auth and returns nil.
func ParseBasicAuth(s string) (*BasicAuth, error) {
	if s == "" {
		return nil, nil
	}

	user, pass, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errors.New("basic auth must be in the form user:password")
	}

	if user == "" {
		return nil, errors.New("basic auth username can not be empty")
	}

	return &BasicAuth{Username: user, Password: pass}, nil
}

func (b *BasicAuth) String() string {
	if b == nil {
		return ""
	}
	return b.Username + ":***"
}

// Options are the parameters of a single Open call.
type Options struct {
	Host      string
	Port      int
	Proto     Proto
	Region    Region
	Subdomain string
	BasicAuth *BasicAuth
	AuthToken string
}

// Addr is the local address the tunnel forwards to.
func (o Options) Addr() string {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(o.Port))
}

func (o Options) Validate() error {
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d is out of range", o.Port)
	}

	if _, err := ParseProto(string(o.Proto)); err != nil || o.Proto == "" {
		return fmt.Errorf("invalid proto `%s`", o.Proto)
	}

	if _, err := ParseRegion(string(o.Region)); err != nil || o.Region == "" {
		return fmt.Errorf("invalid region `%s`", o.Region)
	}

	if strings.ContainsAny(o.Subdomain, " /:") {
		return fmt.Errorf("invalid subdomain `%s`", o.Subdomain)
	}

	return nil
}
