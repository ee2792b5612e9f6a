package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	case "simulate":
		return simulateTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "rdt-server"
addr = ":9300"
metrics_addr = ":9301"

[protocol]
level = 3
timeout = "1s"
backoff_multiplier = 1.0
max_retransmits = 0
retransmit_on_corrupt_reply = false
max_payload_bytes = 8388608
`

const clientTemplate = `name = "rdt-client"
addr = "localhost:9300"

[protocol]
level = 3
timeout = "1s"
backoff_multiplier = 1.0
max_retransmits = 10
`

const simulateTemplate = `name = "rdt-simulate"
addr = "pipe"

[protocol]
level = 3
timeout = "50ms"
backoff_multiplier = 1.5
max_timeout = "500ms"
jitter = true
max_retransmits = 20

[faults]
drop_rate = 0.1
corrupt_rate = 0.1
duplicate_rate = 0.05
seed = 1
`
