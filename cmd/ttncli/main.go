package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/go-kit/kit/log"

	"github.com/waterlogged/waterlogged/payload"
	"github.com/waterlogged/waterlogged/ttn"
)

const appName = "ttncli"

var (
	broker   = flag.String("broker", "tcp://eu1.cloud.thethings.network:1883", "The things stack MQTT broker")
	appID    = flag.String("appID", "waterlogged", "The things network application ID")
	tenantID = flag.String("tenantID", "ttn", "The things network tenant ID")
	apiKey   = flag.String("apiKey", "", "The things network application API key")
)

func main() {
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "app", appName)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	enc := json.NewEncoder(os.Stdout)

	sub := ttn.NewSubscriber(logger, ttn.Config{
		Broker:   *broker,
		AppID:    *appID,
		TenantID: *tenantID,
		APIKey:   *apiKey,
		ClientID: fmt.Sprintf("%s-%d", appName, os.Getpid()),
	}, func(ctx context.Context, msg *ttn.UplinkMessage) {
		up := msg.UplinkMessage
		logger.Log("msg", "received msg",
			"device_id", msg.EndDeviceIDs.DeviceID,
			"fport", up.FPort,
			"data", hex.EncodeToString(up.Payload),
		)
		_ = enc.Encode(payload.Decode(up.Payload))
	})
	defer sub.Disconnect()

	go func() {
		if err := sub.Connect(ctx); err != nil {
			logger.Log("msg", "can't connect", "error", err)
			cancel()
		}
	}()

	select {
	case <-interrupt:
		break
	case <-ctx.Done():
		break
	}
}
