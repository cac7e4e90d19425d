package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"airguard/internal/config"
	"airguard/internal/model"
	"airguard/internal/normalize"
)

// StartMQTT subscribes to <prefix>/+/+. A topic <prefix>/<sensor>/<pollutant>
// carries {"value":..,"timestamp":..}; <prefix>/<sensor>/status carries
// {"status":..}. Bare numbers and bare status words are accepted too.
func StartMQTT(ctx context.Context, cfg config.Source, out chan<- model.SensorMessage, logger *slog.Logger) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return
	}
	prefix := strings.TrimSuffix(current.TopicPrefix, "/")
	topic := prefix + "/+/+"

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		fields, err := ParseMQTTMessage(prefix, msg.Topic(), msg.Payload())
		if err != nil {
			if logger != nil {
				logger.Warn("mqtt payload rejected", "topic", msg.Topic(), "err", err)
			}
			return
		}
		_ = deliver(ctx, cfg.Get(), *fields, out, logger)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(current.ClientID)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if token := c.Subscribe(topic, current.QoS, handler); token.Wait() && token.Error() != nil {
			if logger != nil {
				logger.Error("mqtt subscribe failed", "topic", topic, "err", token.Error())
			}
			return
		}
		if logger != nil {
			logger.Info("mqtt ingest subscribed", "broker", current.Broker, "topic", topic)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})
	client := mqtt.NewClient(opts)

	go func() {
		backoff := 500 * time.Millisecond
		for {
			token := client.Connect()
			token.Wait()
			if token.Error() == nil {
				break
			}
			if logger != nil {
				logger.Warn("mqtt connect failed", "broker", current.Broker, "err", token.Error())
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
		<-ctx.Done()
		client.Disconnect(250)
	}()
}

func ParseMQTTMessage(prefix, topic string, payload []byte) (*normalize.Fields, error) {
	rest := strings.TrimPrefix(topic, prefix+"/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("unexpected topic %q", topic)
	}
	sensor, leaf := parts[0], strings.ToLower(parts[1])

	trim := bytes.TrimSpace(payload)
	fields := &normalize.Fields{Values: map[string]string{}}
	if looksLikeJSON(string(trim)) {
		parsed, err := ParseJSONBytes(trim)
		if err != nil {
			return nil, err
		}
		fields = parsed
	} else if leaf == "status" {
		fields.Status = string(trim)
	} else {
		fields.Value = string(trim)
	}
	fields.SensorID = sensor
	fields.Source = "mqtt"
	if leaf == "status" {
		fields.Pollutant, fields.Value = "", ""
	} else {
		fields.Pollutant = leaf
		fields.Status = ""
	}
	return fields, nil
}
