package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/skgw/modem"
)

const (
	mqttSendTimeout    = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// Bridge relays datagrams between MQTT and the PANA peer.
//
//	<Topic>/send/<port>  payload is sent to the peer on port
//	<Topic>/result       outcome of every send, as JSON
//	<Topic>/recv/<port>  datagrams captured on Ports, as JSON
//
// Ports must already be captured by the modem, and nothing else may
// receive from them.
type Bridge struct {
	Logger *slog.Logger
	Modem  Gateway
	Handle uint8
	Topic  string
	Ports  []uint16

	publish func(topic string, payload []byte) error
}

type bridgeResult struct {
	Port      uint16 `json:"port"`
	Completed bool   `json:"completed"`
	Outcome   uint8  `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

type bridgeDatagram struct {
	Remote string `json:"remote"`
	Data   []byte `json:"data"`
}

// StartMQTT connects to the broker and runs the bridge until ctx is done.
func StartMQTT(ctx context.Context, config *Config, b *Bridge) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTTBroker)
	opts.SetClientID(config.MQTTClientID)
	if config.MQTTUsername != "" {
		opts.SetUsername(config.MQTTUsername)
		opts.SetPassword(config.MQTTPassword)
	}
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.Logger.Warn("MQTT connection lost", "error", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		topic := b.Topic + "/send/+"
		b.Logger.Info("MQTT connected", "subscribe", topic)
		token := c.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			b.handleSend(ctx, msg)
		})
		if token.Wait() && token.Error() != nil {
			b.Logger.Error("MQTT subscribe failed", "topic", topic, "error", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to %s: %w", config.MQTTBroker, token.Error())
	}

	b.publish = func(topic string, payload []byte) error {
		token := client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(mqttPublishTimeout) {
			return errors.New("publish timed out")
		}
		return token.Error()
	}
	for _, port := range b.Ports {
		go b.forward(ctx, port)
	}
	return client, nil
}

func (b *Bridge) sendPort(topic string) (uint16, error) {
	s, ok := strings.CutPrefix(topic, b.Topic+"/send/")
	if !ok {
		return 0, fmt.Errorf("unexpected topic %q", topic)
	}
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(port), nil
}

// handleSend sends one MQTT message to the peer and publishes the outcome.
func (b *Bridge) handleSend(ctx context.Context, msg mqtt.Message) {
	port, err := b.sendPort(msg.Topic())
	if err != nil {
		b.Logger.Warn("Dropping MQTT message", "error", err)
		return
	}
	if len(msg.Payload()) == 0 {
		b.Logger.Warn("Dropping empty MQTT message", "topic", msg.Topic())
		return
	}

	result := bridgeResult{Port: port}
	if info, ok := b.Modem.SessionInfo(); !ok {
		result.Error = modem.ErrSessionNotEstablished.Error()
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, mqttSendTimeout)
		dest := netip.AddrPortFrom(info.PeerAddr, port)
		res, err := b.Modem.SendTo(sendCtx, b.Handle, dest, msg.Payload(), modem.Secured)
		cancel()
		if err != nil {
			b.Logger.Error("Failed to send datagram", "error", err, "dest", dest)
			result.Error = err.Error()
		}
		result.Completed = res.IsCompletedSuccessfully()
		result.Outcome = res.Outcome
	}

	payload, _ := json.Marshal(result)
	if err := b.publish(b.Topic+"/result", payload); err != nil {
		b.Logger.Warn("Failed to publish send result", "error", err)
	}
}

// forward publishes every datagram captured on port until ctx is done.
func (b *Bridge) forward(ctx context.Context, port uint16) {
	topic := b.Topic + "/recv/" + strconv.Itoa(int(port))
	for {
		dg, err := b.Modem.ReceiveDatagram(ctx, port)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, modem.ErrNotCapturing):
			b.Logger.Error("Port is not captured", "port", port)
			return
		case err != nil:
			b.Logger.Error("Failed to receive datagram", "error", err, "port", port)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		payload, _ := json.Marshal(bridgeDatagram{Remote: dg.Remote.String(), Data: dg.Payload})
		if err := b.publish(topic, payload); err != nil {
			b.Logger.Warn("Failed to publish datagram", "error", err, "port", port)
		}
	}
}
