package node

import (
	"encoding/hex"
	"io/ioutil"
	"strings"

	"github.com/juju/errors"
)

var IdentitySources = []string{
	"/sys/firmware/devicetree/base/serial-number",
	"/etc/machine-id",
}

// DeviceID returns configured id or first readable hardware identity, lowercase.
// read nil means ioutil.ReadFile.
func DeviceID(configured string, read func(string) ([]byte, error)) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if read == nil {
		read = ioutil.ReadFile
	}
	for _, path := range IdentitySources {
		b, err := read(path)
		if err != nil {
			continue
		}
		if id := normalizeID(b); id != "" {
			return id, nil
		}
	}
	return "", errors.NotFoundf("device id: set node.device_id, hardware identity sources=%v", IdentitySources)
}

func normalizeID(b []byte) string {
	s := strings.ToLower(strings.TrimSpace(strings.Trim(string(b), "\x00")))
	if s == "" {
		return ""
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r == '-' || r == '_') {
			return hex.EncodeToString([]byte(s))
		}
	}
	return s
}
