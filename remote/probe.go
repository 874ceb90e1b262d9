package remote

import (
	"context"
	"log/slog"
	"net"
	neturl "net/url"
	"strings"
	"time"

	"github.com/robertmeta/feedkit/model"
)

// DefaultProbeTimeout bounds a reachability lookup.
const DefaultProbeTimeout = 2 * time.Second

// LookupFunc resolves a host name.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Probe classifies hosts by resolving their names. A host that resolves is
// reachable, or cellular on a metered network; otherwise it is unknown.
type Probe struct {
	lookup  LookupFunc
	metered bool
	timeout time.Duration
	logger  *slog.Logger
}

var _ model.Prober = (*Probe)(nil)

// NewProbe creates a probe. A nil lookup uses the system resolver.
func NewProbe(lookup LookupFunc, metered bool, logger *slog.Logger) *Probe {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		lookup:  lookup,
		metered: metered,
		timeout: DefaultProbeTimeout,
		logger:  logger,
	}
}

// Reachability classifies host, which may be a bare name or a URL.
func (p *Probe) Reachability(host string) model.Reachability {
	name := hostname(host)
	if name == "" {
		return model.Unknown
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.lookup(ctx, name); err != nil {
		p.logger.Debug("host unreachable", "host", name, "error", err)
		return model.Unknown
	}
	if p.metered {
		return model.Cellular
	}
	return model.Reachable
}

func hostname(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := neturl.Parse(s)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
