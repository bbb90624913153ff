package gw

import (
	"encoding/json"
	"time"
)

const (
	ProtocolVersion = 2

	PushData = 0x00
	PushAck  = 0x01

	headerSize = 12
)

type UpstreamJSON struct {
	Rxpk []RXPacket `json:"rxpk,omitempty"`
}

type RXPacket struct {
	Time time.Time `json:"time"` // UTC time of pkt RX, us precision, ISO 8601 'compact' format
	Tmst uint32    `json:"tmst"` // Internal timestamp of "RX finished" event (32b unsigned)
	Freq float64   `json:"freq"` // RX central frequency in MHz (unsigned float, Hz precision)
	Chan int       `json:"chan"` // Concentrator "IF" channel used for RX (unsigned integer)
	Rfch int       `json:"rfch"` // Concentrator "RF chain" used for RX (unsigned integer)
	Stat int       `json:"stat"` // CRC status: 1 = OK, -1 = fail, 0 = no CRC
	Modu string    `json:"modu"` // Modulation identifier "LORA" or "FSK"
	// datr is a string for LoRa and a number for FSK, skipped
	Codr string  `json:"codr,omitempty"` // LoRa ECC coding rate identifier
	Rssi int     `json:"rssi"`           // RSSI in dBm (signed integer, 1 dB precision)
	Lsnr float64 `json:"lsnr,omitempty"` // Lora SNR ratio in dB (signed float, 0.1 dB precision)
	Size int     `json:"size"`           // RF packet payload size in bytes (unsigned integer)
	Data []byte  `json:"data"`           // Base64 encoded RF packet payload, padded

	Token []byte `json:"-"`
	GwID  []byte `json:"-"`
}

// EncodePushData builds a PUSH_DATA datagram.
//
//	Bytes  | Function
//	:------:|---------------------------------------------------------------------
//	0      | protocol version = 2
//	1-2    | random token
//	3      | PUSH_DATA identifier 0x00
//	4-11   | Gateway unique identifier (MAC address)
//	12-end | JSON object, starting with {, ending with }
func EncodePushData(token [2]byte, gwEUI [8]byte, rxpk ...RXPacket) ([]byte, error) {
	jsonb, err := json.Marshal(UpstreamJSON{Rxpk: rxpk})
	if err != nil {
		return nil, err
	}
	p := make([]byte, headerSize, headerSize+len(jsonb))
	p[0] = ProtocolVersion
	copy(p[1:3], token[:])
	p[3] = PushData
	copy(p[4:12], gwEUI[:])
	return append(p, jsonb...), nil
}

// pushAck is the acknowledgement of a PUSH_DATA, it echoes the token.
func pushAck(token []byte) []byte {
	return []byte{ProtocolVersion, token[0], token[1], PushAck}
}
