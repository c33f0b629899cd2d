// SPDX-License-Identifier: MIT

// Package manifest describes a plugin's capabilities to the core service.
package manifest

import "github.com/sonantica/workers/internal/jobs"

// Manifest is the capability descriptor served on /manifest.
type Manifest struct {
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	Modality     jobs.Modality `json:"modality"`
	Capabilities []string      `json:"capabilities"`
	Models       []string      `json:"models,omitempty"`
	// Routes lists the extra surfaces beyond the standard job API.
	Routes []string `json:"routes,omitempty"`
}

// New builds a descriptor for one plugin.
func New(name, version string, modality jobs.Modality, capabilities ...string) Manifest {
	return Manifest{
		Name:         name,
		Version:      version,
		Modality:     modality,
		Capabilities: capabilities,
	}
}

// WithModels attaches the model list.
func (m Manifest) WithModels(models ...string) Manifest {
	m.Models = models
	return m
}

// WithRoutes attaches extra route advertisements.
func (m Manifest) WithRoutes(routes ...string) Manifest {
	m.Routes = routes
	return m
}
