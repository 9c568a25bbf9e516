package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Flavor describes one product deployment: which broker to talk to, with
// which credentials, and under which company code devices publish.
type Flavor struct {
	BrokerURL   string
	CompanyCode string
	CACert      string
	ClientCert  string
	ClientKey   string
	QoS         byte
}

type Flavors map[string]Flavor

func DefaultFlavors() Flavors {
	return Flavors{
		"EPAY": {
			BrokerURL:   "ssl://mqttbroker.sekureid.com:8883",
			CompanyCode: "6718874bc1628f9b0dcd1ee7",
			CACert:      "epay/AmazonRootCA1.cer",
			ClientCert:  "epay/certificate.pem.crt",
			ClientKey:   "epay/private.pem.key",
			QoS:         2,
		},
	}
}

func (f Flavors) Lookup(name string) (Flavor, bool) {
	fl, ok := f[strings.ToUpper(name)]
	return fl, ok
}

func (f Flavors) Names() []string {
	names := make([]string, 0, len(f))
	for n := range f {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type flavorDoc struct {
	BrokerURL   string `yaml:"broker_url"`
	CompanyCode string `yaml:"company_code"`
	CACert      string `yaml:"ca_cert"`
	ClientCert  string `yaml:"client_cert"`
	ClientKey   string `yaml:"client_key"`
	QoS         *int   `yaml:"qos"`
}

type flavorsFile struct {
	Flavors map[string]flavorDoc `yaml:"flavors"`
}

// LoadFlavors reads a YAML document of the form
//
//	flavors:
//	  EPAY:
//	    broker_url: ssl://host:8883
//	    company_code: abc
//
// Names are case-insensitive. QoS defaults to 2 when omitted.
func LoadFlavors(path string) (Flavors, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFlavors(raw)
}

func parseFlavors(raw []byte) (Flavors, error) {
	var doc flavorsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse flavors: %w", err)
	}
	if len(doc.Flavors) == 0 {
		return nil, fmt.Errorf("parse flavors: no flavors defined")
	}

	out := make(Flavors, len(doc.Flavors))
	for name, d := range doc.Flavors {
		qos := 2
		if d.QoS != nil {
			qos = *d.QoS
		}
		if qos < 0 || qos > 2 {
			return nil, fmt.Errorf("flavor %s: invalid qos %d", name, qos)
		}
		out[strings.ToUpper(name)] = Flavor{
			BrokerURL:   d.BrokerURL,
			CompanyCode: d.CompanyCode,
			CACert:      d.CACert,
			ClientCert:  d.ClientCert,
			ClientKey:   d.ClientKey,
			QoS:         byte(qos),
		}
	}
	return out, nil
}
