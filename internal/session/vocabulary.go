package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Command is one AT exchange. Data!=nil means raw payload after `>` prompt.
type Command struct {
	Text     string
	Data     []byte
	Timeout  time.Duration
	Optional bool
}

// Vocabulary is command set of particular modem family.
type Vocabulary interface {
	Name() string
	CommandTimeout() time.Duration
	Init(c *Config) []Command
	Connect(c *Config) []Command
	Publish(c *Config, topic string, payload []byte) []Command
}

const (
	VariantNBIoT = "nbiot"
	VariantGPRS  = "gprs"
)

func VocabularyByName(name string) (Vocabulary, error) {
	switch strings.ToLower(name) {
	case VariantNBIoT, "sim7080", "sim7080g", "":
		return NBIoT{}, nil
	case VariantGPRS, "2g", "sim868":
		return GPRS{}, nil
	}
	return nil, errors.NotValidf("modem variant=%s (valid: %s, %s)", name, VariantNBIoT, VariantGPRS)
}

// NBIoT is SIMCom SIM7080G, LTE-M/NB-IoT with built-in MQTT (AT+SM*).
type NBIoT struct{}

func (NBIoT) Name() string                  { return VariantNBIoT }
func (NBIoT) CommandTimeout() time.Duration { return 2 * time.Second }

func (NBIoT) Init(c *Config) []Command {
	return []Command{
		{Text: "AT"},
		{Text: "AT+CFUN=1"},
		{Text: "AT+CGATT=1"},
		{Text: fmt.Sprintf(`AT+CGDCONT=1,"IP","%s"`, c.APN)},
	}
}

func (NBIoT) Connect(c *Config) []Command {
	return []Command{
		{Text: "AT+SMDISC", Optional: true},
		{Text: fmt.Sprintf(`AT+SMCONF="CLIENTID","%s"`, c.ClientID)},
		{Text: fmt.Sprintf(`AT+SMCONF="URL","%s",%d`, c.BrokerHost, c.BrokerPort)},
		{Text: fmt.Sprintf(`AT+SMCONF="KEEPALIVE",%d`, c.KeepaliveSec)},
		{Text: "AT+SMCONN", Timeout: c.PublishTimeout},
	}
}

func (NBIoT) Publish(c *Config, topic string, payload []byte) []Command {
	return []Command{
		{Text: fmt.Sprintf(`AT+SMPUB="%s",%d,1,0`, topic, len(payload)), Data: payload, Timeout: c.PublishTimeout},
	}
}

// GPRS is SIMCom SIM868, 2G with GPRS bearer and AT+CMQTT* client.
type GPRS struct{}

func (GPRS) Name() string                  { return VariantGPRS }
func (GPRS) CommandTimeout() time.Duration { return 3 * time.Second }

func (GPRS) Init(c *Config) []Command {
	return []Command{
		{Text: "AT"},
		{Text: "AT+CFUN=1"},
		{Text: "AT+CGATT=1"},
		{Text: `AT+SAPBR=3,1,"CONTYPE","GPRS"`},
		{Text: fmt.Sprintf(`AT+SAPBR=3,1,"APN","%s"`, c.APN)},
		{Text: "AT+SAPBR=1,1"},
		{Text: "AT+SAPBR=2,1"},
	}
}

func (GPRS) Connect(c *Config) []Command {
	return []Command{
		{Text: "AT+CMQTTDISC=0", Optional: true},
		{Text: "AT+CMQTTSTART", Optional: true},
		{Text: fmt.Sprintf(`AT+CMQTTACCQ=0,"%s"`, c.ClientID), Optional: true},
		{Text: fmt.Sprintf(`AT+CMQTTCONNECT=0,"tcp://%s:%d",%d,1`, c.BrokerHost, c.BrokerPort, c.KeepaliveSec), Timeout: c.PublishTimeout},
	}
}

func (GPRS) Publish(c *Config, topic string, payload []byte) []Command {
	return []Command{
		{Text: fmt.Sprintf("AT+CMQTTTOPIC=0,%d", len(topic)), Data: []byte(topic)},
		{Text: fmt.Sprintf("AT+CMQTTPAYLOAD=0,%d", len(payload)), Data: payload},
		{Text: "AT+CMQTTPUB=0,1,60", Timeout: c.PublishTimeout},
	}
}
