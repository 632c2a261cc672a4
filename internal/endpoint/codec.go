package endpoint

// Fixed 29-bit identifiers of the relay module protocol.
const (
	StatusRequestID uint32 = 0x01FCFF01 // GET target
	SetAckID        uint32 = 0x0002FF01 // reply to SET, payload starts with module, relay
	GetAckID        uint32 = 0x01FDFF01 // reply to GET, no endpoint identification

	setIDBase uint32 = 0x01FC0002
)

// SetID is the SET target identifier for a module.
func SetID(module uint8) uint32 {
	return setIDBase | uint32(module)<<8
}

// SetPayload encodes a relay command.
func SetPayload(module, relay uint8, on bool) []byte {
	var v byte
	if on {
		v = 1
	}
	return []byte{module, relay, v, 0xFF, 0xFF}
}

// StatusPayload encodes a status request.
func StatusPayload(module, relay uint8) []byte {
	return []byte{module, relay}
}
