package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowmesh/conductor/internal/errkind"
	"github.com/flowmesh/conductor/runtime/router"
)

// AgentsFile is the YAML document describing the agent registry, the
// hard routing rules, and optional per-agent notification channels.
//
//	agents:
//	  - name: backend
//	    default: true
//	  - name: frontend
//	rules:
//	  - agent: backend
//	    keywords: [api, server, db]
//	channels:
//	  backend: "C012345"
//	  "*": "C099999"
type AgentsFile struct {
	Agents []struct {
		Name    string `yaml:"name"`
		Default bool   `yaml:"default"`
	} `yaml:"agents"`
	Rules []struct {
		Agent    string   `yaml:"agent"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"rules"`
	Channels map[string]string `yaml:"channels"`
}

// LoadAgentsFile reads and validates an agents YAML file. It fails
// closed: an empty registry, an agent without a name, or more than one
// default agent is a validation error. When no agent is marked default,
// the first agent listed becomes the default. Rule agents are not
// checked here; router.New rejects a rule naming an unregistered agent.
func LoadAgentsFile(path string) (router.Registry, []router.Rule, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return router.Registry{}, nil, nil, errkind.New(errkind.Resource, "config.LoadAgentsFile", err)
	}
	return ParseAgents(data)
}

// ParseAgents parses and validates agents YAML content.
func ParseAgents(data []byte) (router.Registry, []router.Rule, map[string]string, error) {
	var doc AgentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return router.Registry{}, nil, nil, errkind.New(errkind.Validation, "config.ParseAgents", err)
	}
	if len(doc.Agents) == 0 {
		return router.Registry{}, nil, nil, errkind.New(errkind.Validation, "config.ParseAgents",
			fmt.Errorf("at least one agent is required"))
	}

	reg := router.Registry{}
	for _, a := range doc.Agents {
		if a.Name == "" {
			return router.Registry{}, nil, nil, errkind.New(errkind.Validation, "config.ParseAgents",
				fmt.Errorf("agent with empty name"))
		}
		reg.Agents = append(reg.Agents, a.Name)
		if a.Default {
			if reg.Default != "" {
				return router.Registry{}, nil, nil, errkind.New(errkind.Validation, "config.ParseAgents",
					fmt.Errorf("more than one default agent (%s and %s)", reg.Default, a.Name))
			}
			reg.Default = a.Name
		}
	}
	if reg.Default == "" {
		reg.Default = reg.Agents[0]
	}

	rules := make([]router.Rule, 0, len(doc.Rules))
	for _, r := range doc.Rules {
		rules = append(rules, router.Rule{Agent: r.Agent, Keywords: r.Keywords})
	}
	return reg, rules, doc.Channels, nil
}
