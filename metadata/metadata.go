// Package metadata renders the device profile the agent reads at boot. The
// profile is plain YAML so operators can inspect a simulator's provisioning
// data without tooling.
package metadata

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"

	"github.com/devicelab-dev/simfleet/types"
	"github.com/devicelab-dev/simfleet/utils"
)

// Profile holds the inputs for generating a device profile.
type Profile struct {
	SimulatorID   string
	DeviceClass   string
	OSVersion     string
	Locale        string
	Memory        int64
	LaunchOptions map[string]string
}

// FromConfig builds a Profile from a simulator's configuration.
func FromConfig(id string, cfg *types.SimulatorConfiguration) *Profile {
	return &Profile{
		SimulatorID:   id,
		DeviceClass:   cfg.DeviceClass,
		OSVersion:     cfg.OSVersion,
		Locale:        cfg.Locale,
		Memory:        cfg.Memory,
		LaunchOptions: cfg.LaunchOptions,
	}
}

// OptionKeys returns the launch option keys in stable order, so the rendered
// profile is deterministic for a given configuration.
func (p *Profile) OptionKeys() []string {
	keys := make([]string, 0, len(p.LaunchOptions))
	for k := range p.LaunchOptions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var tmplFuncs = template.FuncMap{
	// yamlQuote escapes single quotes for YAML single-quoted strings.
	"yamlQuote": func(s string) string {
		return strings.ReplaceAll(s, "'", "''")
	},
}

var profileTmpl = template.Must(template.New("profile").Funcs(tmplFuncs).Parse(
	`simulator_id: {{.SimulatorID}}
device_class: '{{yamlQuote .DeviceClass}}'
os_version: '{{yamlQuote .OSVersion}}'
{{- if .Locale}}
locale: '{{yamlQuote .Locale}}'
{{- end}}
{{- if gt .Memory 0}}
memory_bytes: {{.Memory}}
{{- end}}
{{- if .LaunchOptions}}
launch_options:
{{- range $k := .OptionKeys}}
  {{$k}}: '{{yamlQuote (index $.LaunchOptions $k)}}'
{{- end}}
{{- end}}
`))

// Generate streams the rendered profile to w.
func Generate(w io.Writer, p *Profile) error {
	var buf bytes.Buffer
	if err := profileTmpl.Execute(&buf, p); err != nil {
		return fmt.Errorf("render profile: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile renders the profile and writes it atomically to path.
func WriteFile(path string, p *Profile) error {
	var buf bytes.Buffer
	if err := Generate(&buf, p); err != nil {
		return err
	}
	return utils.AtomicWriteFile(path, buf.Bytes(), 0o644) //nolint:gosec,mnd
}
