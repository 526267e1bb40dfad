// Package radvd renders the advertising interfaces of a scenario as radvd
// configuration, so a simulated router setup can be deployed on real hosts.
package radvd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/psaab/ndsim/pkg/config"
	"github.com/psaab/ndsim/pkg/icmp6"
	"github.com/psaab/ndsim/pkg/ndp"
)

// Generate returns radvd.conf for the advertising interfaces of node.
func Generate(cfg *config.Config, node string) (string, error) {
	if cfg.FindNode(node) == nil {
		return "", fmt.Errorf("radvd: no node %q", node)
	}
	ifaces := cfg.RouterInterfaces()[node]
	if len(ifaces) == 0 {
		return "", fmt.Errorf("radvd: node %s has no advertising interfaces", node)
	}
	return generateConfig(node, ifaces), nil
}

// WriteAll writes one <node>.radvd.conf per advertising node into dir and
// returns the paths written.
func WriteAll(cfg *config.Config, dir string) ([]string, error) {
	routers := cfg.RouterInterfaces()
	names := make([]string, 0, len(routers))
	for name := range routers {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create radvd dir: %w", err)
	}
	var paths []string
	for _, name := range names {
		path := filepath.Join(dir, name+".radvd.conf")
		if err := os.WriteFile(path, []byte(generateConfig(name, routers[name])), 0644); err != nil {
			return paths, fmt.Errorf("write radvd config: %w", err)
		}
		slog.Info("radvd: config written", "node", name, "path", path, "interfaces", len(routers[name]))
		paths = append(paths, path)
	}
	return paths, nil
}

func generateConfig(node string, ifaces []*config.InterfaceConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# ndsim generated radvd config for node %s\n\n", node)

	for _, ic := range ifaces {
		fmt.Fprintf(&b, "interface %s\n{\n", ic.Name)
		b.WriteString("    AdvSendAdvert on;\n")

		interval := ndp.DefaultAdvInterval
		lifetime := ndp.DefaultRouterLifetime
		var prefixes []*config.PrefixConfig
		if ra := ic.RA; ra != nil {
			if ra.Interval > 0 {
				interval = ra.Interval
			}
			if ra.RouterLifetime > 0 {
				lifetime = ra.RouterLifetime
			}
			if ra.LinkMTU > 0 {
				fmt.Fprintf(&b, "    AdvLinkMTU %d;\n", ra.LinkMTU)
			}
			if ra.CurHopLimit > 0 {
				fmt.Fprintf(&b, "    AdvCurHopLimit %d;\n", ra.CurHopLimit)
			}
			prefixes = append(prefixes, ra.Prefixes...)
		}
		prefixes = append(prefixes, ic.DelegatedPrefixes...)

		// radvd requires MinRtrAdvInterval <= 0.75 * MaxRtrAdvInterval.
		maxAdv := seconds(interval)
		if maxAdv < 4 {
			maxAdv = 4
		}
		fmt.Fprintf(&b, "    MaxRtrAdvInterval %d;\n", maxAdv)
		fmt.Fprintf(&b, "    MinRtrAdvInterval %d;\n", max(3, maxAdv/3))
		fmt.Fprintf(&b, "    AdvDefaultLifetime %d;\n", seconds(lifetime))
		if ic.MTU > 0 && (ic.RA == nil || ic.RA.LinkMTU == 0) {
			fmt.Fprintf(&b, "    AdvLinkMTU %d;\n", ic.MTU)
		}

		b.WriteString("\n")

		for _, pfx := range prefixes {
			fmt.Fprintf(&b, "    prefix %s\n    {\n", pfx.Prefix)
			if pfx.OnLink {
				b.WriteString("        AdvOnLink on;\n")
			} else {
				b.WriteString("        AdvOnLink off;\n")
			}
			if pfx.Autonomous {
				b.WriteString("        AdvAutonomous on;\n")
			} else {
				b.WriteString("        AdvAutonomous off;\n")
			}
			fmt.Fprintf(&b, "        AdvValidLifetime %s;\n", lifetimeValue(pfx.ValidLifetime))
			fmt.Fprintf(&b, "        AdvPreferredLifetime %s;\n", lifetimeValue(pfx.PreferredLifetime))
			b.WriteString("    };\n\n")
		}

		b.WriteString("};\n\n")
	}

	return b.String()
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

func lifetimeValue(d time.Duration) string {
	if d >= icmp6.InfiniteLifetime {
		return "infinity"
	}
	return fmt.Sprintf("%d", seconds(d))
}
