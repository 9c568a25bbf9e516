// Package codec maps between the bus topic strings and device identities, and
// decodes the "aboutdevice" response payloads devices publish.
//
// Topics follow "{companyCode}/{serial}/connected" and
// "{companyCode}/{serial}/aboutdevice/{request|response}".
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lucaslui/hems/roster-reconciler/internal/model"
)

const (
	segConnected   = "connected"
	segAboutDevice = "aboutdevice"
	segRequest     = "request"
	segResponse    = "response"
	singleLevel    = "+"
)

type Kind int

const (
	Unrecognized Kind = iota
	Connected
	AboutDeviceResponse
)

func (k Kind) String() string {
	switch k {
	case Connected:
		return "connected"
	case AboutDeviceResponse:
		return "aboutdevice/response"
	default:
		return "unrecognized"
	}
}

// Shape is the decoded form of a topic. Key is only set for recognized kinds.
type Shape struct {
	Kind Kind
	Key  model.DeviceKey
	Raw  string
}

// DecodeTopic never fails: anything that is not one of the two recognized
// shapes comes back as Unrecognized.
func DecodeTopic(topic string) Shape {
	parts := strings.Split(topic, "/")
	shape := Shape{Kind: Unrecognized, Raw: topic}

	switch {
	case len(parts) == 3 && parts[2] == segConnected:
		shape.Kind = Connected
	case len(parts) == 4 && parts[2] == segAboutDevice && parts[3] == segResponse:
		shape.Kind = AboutDeviceResponse
	default:
		return shape
	}

	if !validSegment(parts[0]) || !validSegment(parts[1]) {
		return Shape{Kind: Unrecognized, Raw: topic}
	}
	shape.Key = model.DeviceKey{CompanyCode: parts[0], SerialNumber: parts[1]}
	return shape
}

func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#")
}

func AboutDeviceRequestTopic(companyCode, serial string) string {
	return fmt.Sprintf("%s/%s/%s/%s", companyCode, serial, segAboutDevice, segRequest)
}

// SubscriptionTopics returns the company-scoped wildcard patterns for the
// connected and aboutdevice/response notifications.
func SubscriptionTopics(companyCode string) []string {
	return []string{
		fmt.Sprintf("%s/%s/%s", companyCode, singleLevel, segConnected),
		fmt.Sprintf("%s/%s/%s/%s", companyCode, singleLevel, segAboutDevice, segResponse),
	}
}

var ErrMalformedPayload = errors.New("malformed aboutdevice payload")

const responseSchemaURL = "mem://aboutdevice-response.json"

const responseSchema = `{
  "type": "object",
  "required": ["users"],
  "properties": {
    "users": {"type": "array"}
  }
}`

var compiledResponseSchema = mustCompile(responseSchemaURL, responseSchema)

func mustCompile(url, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

type aboutDevicePayload struct {
	Users []json.RawMessage `json:"users"`
}

// DecodeUsers extracts the user identifiers from an aboutdevice response.
// Identifiers are opaque: anything that is not a JSON string keeps its
// literal JSON text. Every failure wraps ErrMalformedPayload.
func DecodeUsers(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := compiledResponseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var p aboutDevicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	users := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		var s string
		if err := json.Unmarshal(u, &s); err == nil {
			users = append(users, s)
			continue
		}
		users = append(users, string(u))
	}
	return users, nil
}

// Truncate cuts b to at most n bytes for logging, backing off to a rune
// boundary.
func Truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "…"
}
