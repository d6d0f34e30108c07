package hub

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame is returned for inbound payloads that are not a single-key Message or Register object.
var ErrUnknownFrame = errors.New("unknown frame type")

// Event is the wire payload carried through the hub. Data is kept raw; the broker routes, it does not interpret.
type Event struct {
	SecondsSinceUnix uint64          `json:"seconds_since_unix"`
	NanoSeconds      uint32          `json:"nano_seconds"`
	Topics           []string        `json:"topics"`
	Data             json.RawMessage `json:"data"`
}

// Register is the subscription request carried by a Register frame.
type Register struct {
	Topics []string `json:"topics"`
}

// InboundFrame is the externally tagged union a device sends as a text frame: exactly one of Message or Register is
// set.
type InboundFrame struct {
	Message  *Event
	Register *Register
}

// ParseInbound decodes an inbound text frame. Payloads that decode to anything other than exactly one known tag
// return ErrUnknownFrame.
func ParseInbound(data []byte) (*InboundFrame, error) {
	var raw struct {
		Message  *Event    `json:"Message"`
		Register *Register `json:"Register"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if (raw.Message == nil) == (raw.Register == nil) {
		return nil, ErrUnknownFrame
	}
	return &InboundFrame{Message: raw.Message, Register: raw.Register}, nil
}

// Device identifies a live connection within a tenant.
type Device struct {
	DeviceID     string `json:"device_id"`
	DeviceTypeID string `json:"device_type_id"`
}

// PeerAddr is the remote address of an external HTTP publisher, encoded on the wire as an [ip, port] pair.
type PeerAddr struct {
	IP   string
	Port uint16
}

// MarshalJSON encodes the address as a two-element array.
func (a PeerAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{a.IP, a.Port})
}

// UnmarshalJSON decodes a two-element [ip, port] array.
func (a *PeerAddr) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode address: %w", err)
	}
	if err := json.Unmarshal(pair[0], &a.IP); err != nil {
		return fmt.Errorf("decode address ip: %w", err)
	}
	if err := json.Unmarshal(pair[1], &a.Port); err != nil {
		return fmt.Errorf("decode address port: %w", err)
	}
	return nil
}

// Origin identifies the publisher of an event: a connected device or an external HTTP caller. External origins carry
// the peer address when known.
type Origin struct {
	Device  *Device
	Address *PeerAddr
}

// DeviceOrigin builds a device origin.
func DeviceOrigin(deviceID, deviceTypeID string) Origin {
	return Origin{Device: &Device{DeviceID: deviceID, DeviceTypeID: deviceTypeID}}
}

// ExternalOrigin builds an external origin. addr may be nil when the peer address is unknown.
func ExternalOrigin(addr *PeerAddr) Origin {
	return Origin{Address: addr}
}

// IsDevice reports whether the origin is a connected device.
func (o Origin) IsDevice() bool {
	return o.Device != nil
}

// FromDevice reports whether the origin is the device with the given ID.
func (o Origin) FromDevice(deviceID string) bool {
	return o.Device != nil && o.Device.DeviceID == deviceID
}

// MarshalJSON emits {"Device":{...}} for device origins, {"Address":[ip,port]} or {"Address":null} for external
// origins.
func (o Origin) MarshalJSON() ([]byte, error) {
	if o.Device != nil {
		return json.Marshal(map[string]*Device{"Device": o.Device})
	}
	return json.Marshal(map[string]*PeerAddr{"Address": o.Address})
}

// UnmarshalJSON accepts the same shapes MarshalJSON emits.
func (o *Origin) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode origin: %w", err)
	}

	if deviceRaw, ok := raw["Device"]; ok {
		var d Device
		if err := json.Unmarshal(deviceRaw, &d); err != nil {
			return fmt.Errorf("decode device origin: %w", err)
		}
		*o = Origin{Device: &d}
		return nil
	}

	addrRaw, ok := raw["Address"]
	if !ok {
		return ErrUnknownFrame
	}
	if string(addrRaw) == "null" {
		*o = Origin{}
		return nil
	}
	var addr PeerAddr
	if err := json.Unmarshal(addrRaw, &addr); err != nil {
		return fmt.Errorf("decode external origin: %w", err)
	}
	*o = Origin{Address: &addr}
	return nil
}

// Envelope is the full outbound record a subscriber receives.
type Envelope struct {
	Sender    Origin `json:"sender"`
	AccountID string `json:"account_id"`
	Message   Event  `json:"message"`
}
