package gw

import (
	"encoding/hex"
	"strings"

	"github.com/brocaar/lorawan"
	"github.com/pkg/errors"
)

var (
	ErrInvalidMIC = errors.New("invalid mic")
	ErrNoPayload  = errors.New("frame without application payload")
)

// SessionKeys are the ABP keys shared by the nodes sending to this gateway.
type SessionKeys struct {
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

// ParseSessionKeys reads both keys from their hex representation.
func ParseSessionKeys(nwkSKey, appSKey string) (SessionKeys, error) {
	var keys SessionKeys
	if err := keys.NwkSKey.UnmarshalText([]byte(nwkSKey)); err != nil {
		return keys, errors.Wrap(err, "invalid NwkSKey")
	}
	if err := keys.AppSKey.UnmarshalText([]byte(appSKey)); err != nil {
		return keys, errors.Wrap(err, "invalid AppSKey")
	}
	return keys, nil
}

// Frame is a validated and decrypted data uplink.
type Frame struct {
	DevAddr string
	FCnt    uint32
	FPort   int
	Payload []byte
}

// DecodeFrame validates the MIC of a LoRaWAN 1.0 data uplink and decrypts its FRMPayload.
func DecodeFrame(b []byte, keys SessionKeys) (*Frame, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(b); err != nil {
		return nil, errors.Wrap(err, "can't read lora frame")
	}
	if phy.MHDR.MType != lorawan.UnconfirmedDataUp && phy.MHDR.MType != lorawan.ConfirmedDataUp {
		return nil, errors.Errorf("unexpected message type %s", phy.MHDR.MType)
	}

	ok, err := phy.ValidateUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, keys.NwkSKey, lorawan.AES128Key{})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidMIC
	}

	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return nil, errors.New("MACPayload expected")
	}
	// port 0 carries MAC commands only
	if macPL.FPort == nil || *macPL.FPort == 0 || len(macPL.FRMPayload) == 0 {
		return nil, ErrNoPayload
	}

	if err := phy.DecryptFRMPayload(keys.AppSKey); err != nil {
		return nil, err
	}

	pl, ok := macPL.FRMPayload[0].(*lorawan.DataPayload)
	if !ok {
		return nil, errors.New("DataPayload expected")
	}

	return &Frame{
		DevAddr: strings.ToUpper(hex.EncodeToString(macPL.FHDR.DevAddr[:])),
		FCnt:    macPL.FHDR.FCnt,
		FPort:   int(*macPL.FPort),
		Payload: pl.Bytes,
	}, nil
}

// EncodeFrame builds an unconfirmed data uplink as a node would, used by tooling and tests.
func EncodeFrame(devAddr lorawan.DevAddr, keys SessionKeys, fCnt uint32, fPort uint8, data []byte) ([]byte, error) {
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataUp,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: devAddr,
				FCnt:    fCnt,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: data}},
		},
	}

	if err := phy.EncryptFRMPayload(keys.AppSKey); err != nil {
		return nil, err
	}
	if err := phy.SetUplinkDataMIC(lorawan.LoRaWAN1_0, 0, 0, 0, keys.NwkSKey, lorawan.AES128Key{}); err != nil {
		return nil, err
	}
	return phy.MarshalBinary()
}
