package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"github.com/akhenakh/cayenne"

	"github.com/waterlogged/waterlogged/payload"
)

var (
	weight      = flag.Float64("weight", 10, "The weight in grams")
	temperature = flag.Float64("temperature", 70, "The temperature in Fahrenheit")
	humidity    = flag.Float64("humidity", 52, "The relative humidity in percent")

	gps     = flag.Bool("gps", false, "Create a Cayenne GPS location payload instead")
	lat     = flag.Float64("lat", 42.34, "The Latitude")
	lng     = flag.Float64("lng", -71.17, "The Longitude")
	channel = flag.Int("channel", 1, "The channel")
)

func main() {
	flag.Parse()

	var b []byte
	if *gps {
		e := cayenne.NewEncoder()
		e.AddGPS(uint8(*channel), float32(*lat), float32(*lng), 0.0)
		b = e.Bytes()
	} else {
		var err error
		b, err = payload.Encode(*weight, *temperature, *humidity)
		if err != nil {
			log.Fatal(err)
		}
	}

	fmt.Println("Data", hex.EncodeToString(b))
}
