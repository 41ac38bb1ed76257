package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"sshlink/util"
)

// ProfileFile is the on-disk YAML layout:
//
//	servers:
//	  - name: seedbox
//	    host: seedbox.example.com
//	    user: media
//	    tunnels_rpc: true
//	    tunnels:
//	      - name: rpc
//	        local_port: 4000
//	        remote_host: 127.0.0.1
//	        remote_port: 9091
type ProfileFile struct {
	Servers []Profile `yaml:"servers"`
}

// LoadProfiles reads and parses a profile file, applying defaults to
// every server entry.
func LoadProfiles(path string) (*ProfileFile, error) {
	path, err := util.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var pf ProfileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}

	seen := make(map[string]bool, len(pf.Servers))
	for i := range pf.Servers {
		p := &pf.Servers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("server entry %d has no name", i+1)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate server name %q", p.Name)
		}
		seen[p.Name] = true

		if p.Port == 0 {
			p.Port = DefaultSSHPort
		}
		if p.UsesKeyAuth && p.KeyPath == "" {
			p.KeyPath = DefaultKeyPath
		}
		for j := range p.Tunnels {
			if p.Tunnels[j].RemoteHost == "" {
				p.Tunnels[j].RemoteHost = DefaultLocalAddress
			}
		}
	}
	return &pf, nil
}

// Find returns the server profile called name.
func (pf *ProfileFile) Find(name string) (Profile, error) {
	for _, p := range pf.Servers {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("no server profile named %q", name)
}
