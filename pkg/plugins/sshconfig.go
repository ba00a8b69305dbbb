package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labforge/labforge/pkg/backends"
	"github.com/labforge/labforge/pkg/lab"
)

// SSHConfigPlugin keeps an SSH client configuration file in sync with the
// lab's running nodes: instance-started events add a Host entry with the
// node's address, stop and shutdown events remove it. Entries live in a
// dedicated config file the operator Includes from ~/.ssh/config.
type SSHConfigPlugin struct {
	scope      lab.Scope
	runner     backends.Runner
	configPath string
	sshUser    string
	keyPath    string
	logger     zerolog.Logger
}

// NewSSHConfigPlugin creates the plugin writing Host entries to configPath.
func NewSSHConfigPlugin(scope lab.Scope, runner backends.Runner, configPath, sshUser, keyPath string, logger zerolog.Logger) *SSHConfigPlugin {
	return &SSHConfigPlugin{
		scope:      scope,
		runner:     runner,
		configPath: configPath,
		sshUser:    sshUser,
		keyPath:    keyPath,
		logger:     logger.With().Str("component", "ssh-config").Logger(),
	}
}

// Name implements Plugin.
func (p *SSHConfigPlugin) Name() string {
	return "ssh-config"
}

// HandleEvent implements Plugin.
func (p *SSHConfigPlugin) HandleEvent(ctx context.Context, event Event) error {
	if _, ok := p.scope.Logical(event.Node); !ok {
		// Some other lab's instance.
		return nil
	}

	switch event.Action {
	case "instance-started":
		address, err := p.nodeAddress(ctx, event.Node)
		if err != nil {
			return err
		}
		if address == "" {
			p.logger.Debug().Str("node", event.Node).Msg("No address yet, skipping")
			return nil
		}
		return p.upsertEntry(event.Node, address)
	case "instance-stopped", "instance-shutdown", "instance-deleted":
		return p.removeEntry(event.Node)
	default:
		return nil
	}
}

// incusNetworkState is the slice of instance state needed to find a global
// IPv4 address.
type incusNetworkState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	State  struct {
		Network map[string]struct {
			Addresses []struct {
				Family  string `json:"family"`
				Scope   string `json:"scope"`
				Address string `json:"address"`
			} `json:"addresses"`
		} `json:"network"`
	} `json:"state"`
}

func (p *SSHConfigPlugin) nodeAddress(ctx context.Context, phys string) (string, error) {
	res, err := p.runner.Run(ctx, "incus", "list", phys, "--format=json")
	if err != nil {
		return "", fmt.Errorf("query %s: %w", phys, err)
	}

	var instances []incusNetworkState
	if err := json.Unmarshal([]byte(res.Stdout), &instances); err != nil {
		return "", fmt.Errorf("parse instance state: %w", err)
	}

	for _, inst := range instances {
		if inst.Name != phys || inst.Status != "Running" {
			continue
		}
		for _, ifaceName := range []string{"eth0", "net0"} {
			iface, ok := inst.State.Network[ifaceName]
			if !ok {
				continue
			}
			for _, addr := range iface.Addresses {
				if addr.Family == "inet" && addr.Scope != "link" {
					return addr.Address, nil
				}
			}
		}
	}
	return "", nil
}

func (p *SSHConfigPlugin) upsertEntry(host, address string) error {
	entries := p.readEntries()
	entries[host] = fmt.Sprintf(`Host %s
  HostName %s
  User %s
  PreferredAuthentications publickey
  IdentityFile %s
  StrictHostKeyChecking no
  UserKnownHostsFile /dev/null`, host, address, p.sshUser, p.keyPath)

	if err := p.writeEntries(entries); err != nil {
		return err
	}
	p.logger.Info().Str("host", host).Str("address", address).Msg("SSH config updated")
	return nil
}

func (p *SSHConfigPlugin) removeEntry(host string) error {
	entries := p.readEntries()
	if _, ok := entries[host]; !ok {
		return nil
	}
	delete(entries, host)

	if err := p.writeEntries(entries); err != nil {
		return err
	}
	p.logger.Info().Str("host", host).Msg("SSH config entry removed")
	return nil
}

// readEntries parses the managed config file into per-host blocks. Blocks
// are separated by blank lines, each starting with a Host line.
func (p *SSHConfigPlugin) readEntries() map[string]string {
	entries := map[string]string{}
	data, err := os.ReadFile(p.configPath)
	if err != nil {
		return entries
	}

	for _, block := range strings.Split(strings.TrimSpace(string(data)), "\n\n") {
		block = strings.TrimSpace(block)
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(line)
			if name, ok := strings.CutPrefix(line, "Host "); ok {
				entries[strings.TrimSpace(name)] = block
				break
			}
		}
	}
	return entries
}

// writeEntries writes the whole file atomically (tmp + rename) so a crash
// never leaves a torn config.
func (p *SSHConfigPlugin) writeEntries(entries map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(p.configPath), 0o700); err != nil {
		return fmt.Errorf("create ssh config dir: %w", err)
	}

	hosts := make([]string, 0, len(entries))
	for host := range entries {
		hosts = append(hosts, host)
	}
	// Stable output keeps diffs readable.
	sort.Strings(hosts)

	var b strings.Builder
	for i, host := range hosts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entries[host])
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}

	tmp := p.configPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write ssh config: %w", err)
	}
	return os.Rename(tmp, p.configPath)
}
