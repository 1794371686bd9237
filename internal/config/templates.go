package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "scopectl":
		return scopectlTemplate, nil
	case "plan":
		return planTemplate, nil
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

const scopectlTemplate = `id = "scope.bench1"
plan = "plan.toml"
command_timeout = "5s"
max_tries = 3
backoff = "250ms"
poll_interval = "5s"
poll_cycles = 0
rollover_cycles = 720
status_listen = "127.0.0.1:9310"
status_token = ""
cors_origins = ["http://localhost:3000"]

[transport]
kind = "usb"
vendor_id = 0x1ab1
product_id = 0x04ce
out_endpoint = 3
in_endpoint = 1
serial_port = "/dev/ttyUSB0"
baud_rate = 115200
read_timeout = "100ms"

[sink]
kind = "log"
path = "local/reports/scorecard.json"
`

const planTemplate = `name = "bench-default"

[[settings]]
label = "timebase.scale"
command = ":TIM:SCAL"
value = "1e-3"
verify = true

[[settings]]
label = "ch1.scale"
command = ":CHAN1:SCAL"
value = "0.5"
verify = true

[[settings]]
label = "trigger.level"
command = ":TRIG:EDG:LEV"
value = "0.2"

[[polls]]
label = "ch1.vpp"
query = ":MEAS:ITEM? VPP,CHAN1"

[[polls]]
label = "ch1.freq"
query = ":MEAS:ITEM? FREQ,CHAN1"
`
