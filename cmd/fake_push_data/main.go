package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/waterlogged/waterlogged/gw"
	"github.com/waterlogged/waterlogged/payload"
)

var (
	addr    = flag.String("addr", "localhost:1700", "Addr to sent the packet to")
	gwEUI   = flag.String("gwEUI", "deadbeef00deadbe", "Gateway EUI (hex)")
	devAddr = flag.String("devAddr", "260b1234", "Node DevAddr (hex)")
	nwkSKey = flag.String("nwkSKey", "0102030405060708090a0b0c0d0e0f10", "ABP NwkSKey (hex)")
	appSKey = flag.String("appSKey", "100f0e0d0c0b0a090807060504030201", "ABP AppSKey (hex)")
	fCnt    = flag.Uint("fCnt", 1, "Frame counter")
	fPort   = flag.Uint("fPort", 1, "Frame port")

	weight      = flag.Float64("weight", 10, "The weight in grams")
	temperature = flag.Float64("temperature", 70, "The temperature in Fahrenheit")
	humidity    = flag.Float64("humidity", 52, "The relative humidity in percent")
)

func main() {
	flag.Parse()

	keys, err := gw.ParseSessionKeys(*nwkSKey, *appSKey)
	if err != nil {
		log.Fatal(err)
	}

	var da lorawan.DevAddr
	if err := da.UnmarshalText([]byte(*devAddr)); err != nil {
		log.Fatal("invalid devAddr ", err)
	}

	var eui [8]byte
	eb, err := hex.DecodeString(*gwEUI)
	if err != nil || len(eb) != len(eui) {
		log.Fatal("invalid gwEUI")
	}
	copy(eui[:], eb)

	data, err := payload.Encode(*weight, *temperature, *humidity)
	if err != nil {
		log.Fatal(err)
	}

	frame, err := gw.EncodeFrame(da, keys, uint32(*fCnt), uint8(*fPort), data)
	if err != nil {
		log.Fatal(err)
	}

	p, err := gw.EncodePushData([2]byte{'A', 'B'}, eui, gw.RXPacket{
		Time: time.Now().UTC(),
		Chan: 2,
		Freq: 866.349812,
		Stat: 1,
		Modu: "LORA",
		Codr: "4/6",
		Rssi: -35,
		Lsnr: 5.1,
		Size: len(frame),
		Data: frame,
	})
	if err != nil {
		log.Fatal(err)
	}

	raddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if _, err = conn.Write(p); err != nil {
		log.Fatal(err)
	}
	log.Println("sent", hex.EncodeToString(p))

	ack := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(ack)
	if err != nil {
		log.Fatal("no PUSH_ACK ", err)
	}
	log.Println("received", hex.EncodeToString(ack[:n]))
}
