package config

import nomad "github.com/hashicorp/nomad/api"

// NewNomadClient reads NOMAD_ADDR, NOMAD_TOKEN and friends from the environment.
func NewNomadClient() (*nomad.Client, error) {
	return nomad.NewClient(nomad.DefaultConfig())
}
