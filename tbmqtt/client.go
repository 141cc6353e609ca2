// Package tbmqtt bridges the relay to ThingsBoard over MQTT: telemetry is
// mirrored to the device telemetry topic and server-side RPCs can queue
// commands.
package tbmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dratasich/flightrelay/events"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotConnected is returned by publishes while the broker is unreachable
var ErrNotConnected = errors.New("mqtt connection is down")

// MQTT configuration for ThingsBoard
type Config struct {
	ServerURL string // MQTT server URL
	// set username = tb access token (and leave password empty)
	Username string // MQTT Username to use when connecting to server
	Password string // MQTT Password to use when connecting to server

	KeepAlive uint16 // seconds between keepalive packets
	ClientID  string // defaults to flightrelay-<uuid>
}

type TBMQTT struct {
	config      Config
	client      atomic.Pointer[autopaho.ConnectionManager]
	isConnected atomic.Bool

	// queue of received RPC requests from TB
	RpcQueue chan *RequestRPC
}

const (
	qos = byte(1) // qos to utilise when publishing

	telemetryTopic = "v1/devices/me/telemetry"

	rpcRequestTopic  = "v1/devices/me/rpc/request/"
	rpcResponseTopic = "v1/devices/me/rpc/response/"

	publishTimeout = 2 * time.Second
)

func NewClient(cfg Config) *TBMQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "flightrelay-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
	return &TBMQTT{
		config:   cfg,
		RpcQueue: make(chan *RequestRPC, 100),
	}
}

// route handles every inbound publish
func (tbmqtt *TBMQTT) route(msg *paho.Publish) {
	rpcId, found := strings.CutPrefix(msg.Topic, rpcRequestTopic)
	if !found {
		log.Debug().Msgf("Ignoring message on %s", msg.Topic)
		return
	}
	log.Info().Msgf("RPC Request received with id #%s", rpcId)
	var rpc = RequestRPC{
		RpcRequestId: rpcId,
	}
	// check if RPC parsable
	if err := json.Unmarshal(msg.Payload, &rpc); err != nil {
		log.Error().Msgf("Message could not be parsed: %s. Payload: %s", err, msg.Payload)
		return
	}
	select {
	case tbmqtt.RpcQueue <- &rpc:
		log.Debug().Msgf("Pushed RPC request to queue: %s", rpc.Method)
	default:
		log.Warn().Msgf("RPC queue full, dropping request #%s", rpcId)
	}
}

// Connect starts the connection manager and waits until the first
// connection is up or ctx is done. Reconnects happen in the background.
func (tbmqtt *TBMQTT) Connect(ctx context.Context) error {
	parsedURL, err := url.Parse(tbmqtt.config.ServerURL)
	if err != nil {
		return fmt.Errorf("parse server URL (%s): %w", tbmqtt.config.ServerURL, err)
	}

	var subscriptions = []paho.SubscribeOptions{
		// listen to RPC commands
		{
			Topic: rpcRequestTopic + "+",
			QoS:   qos,
		},
	}

	cliCfg := autopaho.ClientConfig{
		BrokerUrls:                    []*url.URL{parsedURL},
		KeepAlive:                     tbmqtt.config.KeepAlive,
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connAck *paho.Connack) {
			log.Info().Msg("MQTT connection up")
			tbmqtt.client.Store(cm)
			tbmqtt.isConnected.Store(true)
			if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: subscriptions,
			}); err != nil {
				log.Error().Msgf("Failed to subscribe: %s", err)
				return
			}
			log.Info().Msg("MQTT subscription made")
		},

		OnConnectError: func(err error) {
			tbmqtt.isConnected.Store(false)
			log.Error().Msgf("Error whilst attempting connection: %s", err)
		},

		ClientConfig: paho.ClientConfig{
			ClientID: tbmqtt.config.ClientID,
			Router:   paho.NewStandardRouterWithDefault(tbmqtt.route),
			OnClientError: func(err error) {
				tbmqtt.isConnected.Store(false)
				log.Error().Msgf("Client error: %s", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				tbmqtt.isConnected.Store(false)
				if d.Properties != nil {
					log.Error().Msgf("Server requested disconnect: %s", d.Properties.ReasonString)
				} else {
					log.Error().Msgf("Server requested disconnect with reason code: %d", d.ReasonCode)
				}
			},
		},
	}

	if tbmqtt.config.Username != "" {
		cliCfg.ConnectUsername = tbmqtt.config.Username
		cliCfg.ConnectPassword = []byte(tbmqtt.config.Password)
	}

	log.Info().Msgf("Connect to Thingsboard MQTT at %s ...", parsedURL.Host)
	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("connect to Thingsboard MQTT: %w", err)
	}
	tbmqtt.client.Store(cm)
	// Wait for the connection to come up
	if err = cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("connect to Thingsboard MQTT: %w", err)
	}
	return nil
}

// IsConnected reports the last known connection state
func (tbmqtt *TBMQTT) IsConnected() bool {
	return tbmqtt.isConnected.Load()
}

func (tbmqtt *TBMQTT) Disconnect(ctx context.Context) {
	if cm := tbmqtt.client.Load(); cm != nil {
		err := cm.Disconnect(ctx)
		if err != nil {
			log.Error().Msgf("Failed to disconnect: %s", err)
		}
	}
	tbmqtt.isConnected.Store(false)
	log.Info().Msg("Disconnected from Thingsboard MQTT")
}

// Publish a message to the broker
//
// never blocks on a missing connection: the relay must keep ingesting
// while the broker is away
func (tbmqtt *TBMQTT) publishMessage(msg *paho.Publish) error {
	cm := tbmqtt.client.Load()
	if cm == nil || !tbmqtt.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := cm.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Publish a reply to an RPC request
func (tbmqtt *TBMQTT) ReplyRPC(rpcRequestId string, payload_json []byte) error {
	log.Debug().Msgf("Sending RPC reply: \n%s\n", payload_json)

	responseMsg := &paho.Publish{
		QoS:     qos,
		Topic:   rpcResponseTopic + rpcRequestId,
		Payload: payload_json,
	}
	if err := tbmqtt.publishMessage(responseMsg); err != nil {
		return err
	}

	log.Info().Msgf("Published RPC reply for %s: %s", rpcRequestId, payload_json)
	return nil
}

// Publish one telemetry sample
func (tbmqtt *TBMQTT) PublishTelemetry(tel events.Telemetry) error {
	payload, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("encode telemetry: %w", err)
	}
	msg := &paho.Publish{
		QoS:     qos,
		Topic:   telemetryTopic,
		Payload: payload,
	}
	if err := tbmqtt.publishMessage(msg); err != nil {
		return err
	}
	log.Debug().Msgf("Published telemetry: %s", payload)
	return nil
}

// ServeRPC answers queued RPC requests with handler until ctx is done
func (tbmqtt *TBMQTT) ServeRPC(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-tbmqtt.RpcQueue:
			reply := handler.Handle(req)
			if err := tbmqtt.ReplyRPC(req.RpcRequestId, reply); err != nil {
				log.Error().Msgf("Failed to reply to RPC #%s: %s", req.RpcRequestId, err)
			}
		}
	}
}

// TelemetryWriter mirrors persisted telemetry to ThingsBoard.
// Samples are dropped, not buffered, while the connection is down.
type TelemetryWriter struct {
	Client *TBMQTT
}

func (w TelemetryWriter) Write(rec events.TelemetryRecord, at time.Time) error {
	err := w.Client.PublishTelemetry(rec.Stamp(at))
	if errors.Is(err, ErrNotConnected) {
		log.Debug().Msg("MQTT down, telemetry sample not mirrored")
		return nil
	}
	return err
}

func (w TelemetryWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	w.Client.Disconnect(ctx)
	return nil
}
