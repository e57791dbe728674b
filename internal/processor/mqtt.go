package processor

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/jsoncodec"
	"liminal/pkg/retry"
)

const mqttConnectTimeout = 15 * time.Second

type mqttParams struct {
	BrokerURL             string            `mapstructure:"broker_url"`
	ClientID              string            `mapstructure:"client_id"`
	Username              string            `mapstructure:"username"`
	Password              string            `mapstructure:"password"`
	QoS                   int               `mapstructure:"qos"`
	CleanSession          bool              `mapstructure:"clean_session"`
	KeepAlive             time.Duration     `mapstructure:"keepalive"`
	TLSInsecureSkipVerify bool              `mapstructure:"tls_insecure_skip_verify"`
	Topics                []string          `mapstructure:"topics"`
	BufferSize            int               `mapstructure:"buffer_size"`
	Topic                 string            `mapstructure:"topic"`
	TopicMap              map[string]string `mapstructure:"topic_map"`
	DefaultTopic          string            `mapstructure:"default_topic"`
	Retain                bool              `mapstructure:"retain"`
}

func parseMQTTParams(name string, raw map[string]interface{}) (mqttParams, error) {
	p := mqttParams{
		QoS:          1,
		CleanSession: true,
		KeepAlive:    30 * time.Second,
		BufferSize:   1024,
	}
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if err := required("broker_url", p.BrokerURL); err != nil {
		return p, err
	}
	if p.QoS < 0 || p.QoS > 2 {
		return p, fmt.Errorf("qos must be 0, 1 or 2, got %d", p.QoS)
	}
	if p.ClientID == "" {
		p.ClientID = "liminal-" + name + "-" + uuid.NewString()[:8]
	}
	return p, nil
}

func (p mqttParams) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(p.BrokerURL).
		SetClientID(p.ClientID).
		SetCleanSession(p.CleanSession).
		SetKeepAlive(p.KeepAlive).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOrderMatters(false)
	if p.Username != "" {
		opts.SetUsername(p.Username)
		opts.SetPassword(p.Password)
	}
	if strings.HasPrefix(p.BrokerURL, "ssl://") || strings.HasPrefix(p.BrokerURL, "tls://") || strings.HasPrefix(p.BrokerURL, "wss://") {
		opts.SetTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.TLSInsecureSkipVerify, //nolint:gosec
		})
	}
	return opts
}

func connectMQTT(ctx context.Context, opts *paho.ClientOptions) (paho.Client, error) {
	client := paho.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), mqttConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	return client, nil
}

func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("mqtt operation timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttDelivery struct {
	topic   string
	payload []byte
	at      time.Time
}

// mqttInput subscribes on every (re)connect and queues deliveries for
// Process.
type mqttInput struct {
	params     mqttParams
	logger     logger.Logger
	deliveries chan mqttDelivery
	done       chan struct{}
	closeOnce  sync.Once

	mu     sync.Mutex
	client paho.Client
}

func newMQTTInput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseMQTTParams(spec.Name, spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	if len(p.Topics) == 0 {
		p.Topics = []string{"#"}
	}
	if p.BufferSize <= 0 {
		return nil, fmt.Errorf("buffer_size must be positive, got %d", p.BufferSize)
	}
	return &mqttInput{
		params:     p,
		logger:     deps.Logger,
		deliveries: make(chan mqttDelivery, p.BufferSize),
		done:       make(chan struct{}),
	}, nil
}

func (m *mqttInput) Init(ctx context.Context, _ *stage.Context) error {
	opts := m.params.clientOptions().
		SetDefaultPublishHandler(m.handle).
		SetOnConnectHandler(m.subscribe).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			m.logger.WarnwCtx(ctx, "MQTT connection lost", "broker", m.params.BrokerURL, "error", err)
		})

	client, err := connectMQTT(ctx, opts)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.logger.InfowCtx(ctx, "MQTT input connected", "broker", m.params.BrokerURL, "topics", m.params.Topics)
	return nil
}

func (m *mqttInput) subscribe(c paho.Client) {
	filters := make(map[string]byte, len(m.params.Topics))
	for _, t := range m.params.Topics {
		filters[t] = byte(m.params.QoS)
	}
	token := c.SubscribeMultiple(filters, nil)
	if err := waitToken(context.Background(), token, mqttConnectTimeout); err != nil {
		m.logger.Errorw("MQTT subscribe failed", "topics", m.params.Topics, "error", err)
	}
}

func (m *mqttInput) handle(_ paho.Client, msg paho.Message) {
	d := mqttDelivery{
		topic:   msg.Topic(),
		payload: append([]byte(nil), msg.Payload()...),
		at:      time.Now(),
	}
	select {
	case m.deliveries <- d:
	case <-m.done:
	}
}

func (m *mqttInput) Process(ctx context.Context, pctx *stage.Context) error {
	waitCtx, cancel := pctx.Bounded(ctx)
	defer cancel()

	select {
	case d := <-m.deliveries:
		pctx.Logger().DebugwCtx(ctx, "MQTT message received", "mqtt_topic", d.topic, "bytes", len(d.payload))
		return pctx.Emit(ctx, pctx.Stamp(jsoncodec.DecodeDocument(d.payload), d.at))
	case <-waitCtx.Done():
		return pctx.Idle(ctx, waitCtx.Err())
	}
}

func (m *mqttInput) Close(_ context.Context) error {
	m.closeOnce.Do(func() { close(m.done) })
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}

// mqttOutput publishes the JSON payload of every message. The topic is
// picked from topic_map by the channel the message arrived on, then
// default_topic, then topic.
type mqttOutput struct {
	params mqttParams
	logger logger.Logger

	mu     sync.Mutex
	client paho.Client
}

func newMQTTOutput(spec Spec, deps Deps) (stage.Processor, error) {
	p, err := parseMQTTParams(spec.Name, spec.Config.Parameters)
	if err != nil {
		return nil, err
	}
	if p.DefaultTopic == "" {
		p.DefaultTopic = p.Topic
	}
	if p.DefaultTopic == "" && len(p.TopicMap) == 0 {
		return nil, fmt.Errorf("either topic, default_topic or topic_map must be set")
	}
	w := &mqttOutput{params: p, logger: deps.Logger}
	return newSink(string(KindMQTT), w, newGuard(spec, deps, "mqtt.publish")), nil
}

func (m *mqttOutput) init(ctx context.Context, _ *stage.Context) error {
	client, err := connectMQTT(ctx, m.params.clientOptions())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.logger.InfowCtx(ctx, "MQTT output connected", "broker", m.params.BrokerURL)
	return nil
}

// topicFor resolves the publish topic. An empty result means the message
// has nowhere to go.
func (m *mqttOutput) topicFor(msg message.Message) string {
	if t, ok := m.params.TopicMap[msg.Topic]; ok {
		return t
	}
	if t, ok := m.params.TopicMap[msg.Source]; ok {
		return t
	}
	return m.params.DefaultTopic
}

func (m *mqttOutput) write(ctx context.Context, msg message.Message) error {
	topic := m.topicFor(msg)
	if topic == "" {
		return retry.NewFatalError(fmt.Errorf("no mqtt topic mapped for %q", msg.Topic))
	}
	body, err := jsoncodec.Marshal(msg.Payload)
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to marshal payload: %w", err))
	}

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return retry.NewFatalError(fmt.Errorf("mqtt output is not connected"))
	}
	return waitToken(ctx, client.Publish(topic, byte(m.params.QoS), m.params.Retain, body), mqttConnectTimeout)
}

func (m *mqttOutput) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
	return nil
}
