package compute

import (
	"bytes"
	"text/template"
)

// BootConfig is everything the agent on the machine needs to install
// itself and call the registration endpoint back. Secret is plaintext
// here and only here; it is never persisted or logged.
type BootConfig struct {
	Subdomain   string
	BaseDomain  string
	RegisterURL string
	Secret      string
}

// The agent installer reads /etc/vmharbor/agent.env on first boot,
// registers against the orchestrator, then wipes the secret from disk.
var userDataTemplate = template.Must(template.New("user-data").Parse(`#cloud-config
write_files:
  - path: /etc/vmharbor/agent.env
    permissions: "0600"
    content: |
      VMHARBOR_SUBDOMAIN={{.Subdomain}}
      VMHARBOR_DOMAIN={{.Subdomain}}.{{.BaseDomain}}
      VMHARBOR_REGISTER_URL={{.RegisterURL}}
      VMHARBOR_AUTH_SECRET={{.Secret}}
runcmd:
  - curl -fsSL https://get.{{.BaseDomain}}/agent.sh | bash
`))

// RenderUserData produces the cloud-init payload embedded into the
// instance at creation time.
func RenderUserData(cfg BootConfig) (string, error) {
	var buf bytes.Buffer
	if err := userDataTemplate.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
