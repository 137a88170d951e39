// Package sink delivers device records to the central HTTP consumer.
package sink

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/internal/registry"
	"github.com/temoto/envrelay/log2"
)

const (
	DefaultAddress     = "temp.addr.es"
	DefaultURLTemplate = "http://{ADDRESS}/?devicerpi={DEVICE_ID}&cputemp={CPUTEMP}&temp={TEMP}&hum={HUM}&press=0"
	DefaultTimeout     = 5 * time.Second
)

type Config struct {
	Address     string
	URLTemplate string
	Timeout     time.Duration
	// Transport nil means http.DefaultTransport
	Transport http.RoundTripper
	Log       *log2.Log
}

// HTTP sends one GET per record. Any response status counts as delivered.
type HTTP struct {
	client   *http.Client
	address  string
	template string
	log      *log2.Log
}

var _ registry.Sink = &HTTP{}

func NewHTTP(c Config) (*HTTP, error) {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.URLTemplate == "" {
		c.URLTemplate = DefaultURLTemplate
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	self := &HTTP{
		client:   &http.Client{Timeout: c.Timeout, Transport: c.Transport},
		address:  c.Address,
		template: c.URLTemplate,
		log:      c.Log,
	}
	if _, err := url.Parse(self.URL(registry.Record{DeviceID: "probe"})); err != nil {
		return nil, errors.Annotatef(err, "config error forward url_template=%s", c.URLTemplate)
	}
	return self, nil
}

func (self *HTTP) URL(r registry.Record) string {
	return strings.NewReplacer(
		"{ADDRESS}", self.address,
		"{DEVICE_ID}", url.QueryEscape(r.DeviceID),
		"{CPUTEMP}", FormatFloat(r.CPUTemperature),
		"{TEMP}", FormatFloat(r.Temperature),
		"{HUM}", FormatFloat(r.Humidity),
	).Replace(self.template)
}

func (self *HTTP) Forward(ctx context.Context, r registry.Record) error {
	u := self.URL(r)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return errors.Annotatef(err, "forward device=%s", r.DeviceID)
	}
	req = req.WithContext(ctx)
	resp, err := self.client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "forward device=%s", r.DeviceID)
	}
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	self.log.Infof("forward device=%s status=%d", r.DeviceID, resp.StatusCode)
	return nil
}

// FormatFloat renders shortest representation, integral values keep ".0": 21.5, 40.0, -3.25.
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
