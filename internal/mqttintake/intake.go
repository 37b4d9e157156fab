// Package mqttintake accepts scans from camera scanners that publish over
// MQTT instead of calling the HTTP API.
//
// A scanner publishes {"payload": "...", "observed_at": "..."} to
// attendance/rooms/<room_id>/scan and receives the outcome on
// attendance/rooms/<room_id>/scan/outcome.
package mqttintake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"qrattend/internal/attendance"
)

// Processor runs a scan through the pipeline.
type Processor interface {
	Process(ctx context.Context, scan attendance.Scan) attendance.Outcome
}

type Config struct {
	Broker   string
	Topic    string // must contain one + wildcard for the room id
	ClientID string
	Username string
	Password string
}

type Intake struct {
	cfg  Config
	proc Processor
	log  *log.Logger
}

// message is what scanners publish.
type message struct {
	Payload    string    `json:"payload"`
	ObservedAt time.Time `json:"observed_at"`
	ScannedBy  string    `json:"scanned_by"`
}

func New(cfg Config, proc Processor, logger *log.Logger) (*Intake, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker required")
	}
	if strings.Count(cfg.Topic, "+") != 1 {
		return nil, fmt.Errorf("mqtt topic %q must contain exactly one + for the room id", cfg.Topic)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Intake{cfg: cfg, proc: proc, log: logger}, nil
}

// Run connects, subscribes and serves scans until ctx is done.
func (in *Intake) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(in.cfg.Broker)
	opts.SetClientID(fmt.Sprintf("%s-%s", in.cfg.ClientID, uuid.NewString()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	if in.cfg.Username != "" {
		opts.SetUsername(in.cfg.Username)
		opts.SetPassword(in.cfg.Password)
	}

	handler := func(c mqtt.Client, m mqtt.Message) {
		out, err := in.Handle(ctx, m.Topic(), m.Payload())
		if err != nil {
			in.log.Printf("[MQTT] drop message on %s: %v", m.Topic(), err)
			return
		}
		body, err := json.Marshal(out)
		if err != nil {
			in.log.Printf("[MQTT] encode outcome: %v", err)
			return
		}
		c.Publish(m.Topic()+"/outcome", 1, false, body)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.log.Printf("[MQTT] connection lost: %v", err)
	})
	// Subscriptions do not survive a clean-session reconnect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		in.log.Printf("[MQTT] connected to %s", in.cfg.Broker)
		if tok := c.Subscribe(in.cfg.Topic, 1, handler); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
			in.log.Printf("[MQTT] subscribe %s: %v", in.cfg.Topic, tok.Error())
		}
	})

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect %s: timeout", in.cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", in.cfg.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

// Handle decodes one published scan and processes it.
func (in *Intake) Handle(ctx context.Context, topic string, payload []byte) (attendance.Outcome, error) {
	roomID, ok := RoomFromTopic(in.cfg.Topic, topic)
	if !ok {
		return attendance.Outcome{}, fmt.Errorf("topic %s does not match %s", topic, in.cfg.Topic)
	}
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return attendance.Outcome{}, fmt.Errorf("decode scan: %w", err)
	}
	if m.ScannedBy == "" {
		m.ScannedBy = "mqtt:" + roomID
	}
	return in.proc.Process(ctx, attendance.Scan{
		RawPayload: m.Payload,
		RoomID:     roomID,
		ObservedAt: m.ObservedAt,
		ScannedBy:  m.ScannedBy,
	}), nil
}

// RoomFromTopic returns the segment of topic matched by the + in pattern.
func RoomFromTopic(pattern, topic string) (string, bool) {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return "", false
	}
	room := ""
	for i := range ps {
		switch ps[i] {
		case "+":
			room = ts[i]
		default:
			if ps[i] != ts[i] {
				return "", false
			}
		}
	}
	return room, room != ""
}
