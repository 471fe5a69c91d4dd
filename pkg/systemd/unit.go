// Package systemd renders service-node declarations into systemd unit
// files. Shell hooks become ExecStartPre and ExecStartPost lines; unit
// ordering against other services is intentionally not expressed.
package systemd

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/google/uuid"

	"github.com/genesis-cloud/genesis-core/pkg/errdefs"
	"github.com/genesis-cloud/genesis-core/pkg/types"
)

const unitTemplate = `[Unit]
Description=genesis service {{ .Name }}
After=network-online.target
Wants=network-online.target

[Service]
Type={{ .Type }}
{{- range .Pre }}
ExecStartPre={{ . }}
{{- end }}
ExecStart={{ .Exec }}
{{- range .Post }}
ExecStartPost={{ . }}
{{- end }}
{{- if .User }}
User={{ .User }}
{{- end }}
{{- if .Group }}
Group={{ .Group }}
{{- end }}
{{- if .Restart }}
Restart=on-failure
RestartSec=5
{{- end }}

[Install]
WantedBy=multi-user.target
`

var tmpl = template.Must(template.New("unit").Parse(unitTemplate))

type unitData struct {
	Name    string
	Type    string
	Exec    string
	User    string
	Group   string
	Pre     []string
	Post    []string
	Restart bool
}

// UnitName is the unit file name of a service node
func UnitName(serviceNode uuid.UUID) string {
	return fmt.Sprintf("genesis-%s.service", serviceNode)
}

// Render produces the unit file body for one service node. Hooks of
// kind service are rejected; only shell hooks translate to unit lines.
func Render(serviceNode uuid.UUID, spec *types.ServiceNodeSpec) (string, error) {
	if spec.Exec == "" {
		return "", errdefs.Validation("service exec path is required")
	}

	unitType := "simple"
	if spec.Type.Oneshot() {
		unitType = "oneshot"
	}

	data := unitData{
		Name:    serviceNode.String(),
		Type:    unitType,
		Exec:    spec.Exec,
		User:    spec.User,
		Group:   spec.Group,
		Restart: !spec.Type.Oneshot(),
	}

	var err error
	if data.Pre, err = hookCommands(spec.Before); err != nil {
		return "", err
	}
	if data.Post, err = hookCommands(spec.After); err != nil {
		return "", err
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", errdefs.Wrap(err, errdefs.KindPermanent, "unit template failed")
	}
	return b.String(), nil
}

func hookCommands(hooks []types.Hook) ([]string, error) {
	var cmds []string
	for _, h := range hooks {
		switch h.Kind {
		case types.HookShell:
			if h.Command == "" {
				return nil, errdefs.Validation("shell hook requires cmd")
			}
			cmds = append(cmds, "/bin/sh -c "+quote(h.Command))
		case types.HookService:
			return nil, errdefs.Validation("service dependency hooks are not supported")
		default:
			return nil, errdefs.Validation("unknown hook kind %q", h.Kind)
		}
	}
	return cmds, nil
}

func quote(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `'\''`) + `'`
}
