package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ghalamif/aegisreactor/internal/domain"
	"github.com/ghalamif/aegisreactor/internal/ports"
)

// OPCUAConfig captures the runtime details required to open an OPC UA session.
type OPCUAConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	Username         string            `yaml:"username"`
	Password         string            `yaml:"password"`
	SecurityMode     string            `yaml:"security_mode"`
	SecurityPolicy   string            `yaml:"security_policy"`
	ApplicationName  string            `yaml:"application_name"`
	PublishInterval  time.Duration     `yaml:"publish_interval"`
	SamplingInterval time.Duration     `yaml:"sampling_interval"`
	Buffer           int               `yaml:"buffer"`
	Nodes            []OPCUANodeConfig `yaml:"nodes"`
}

// OPCUANodeConfig defines a monitored tag/node.
type OPCUANodeConfig struct {
	NodeID   string `yaml:"node_id"`
	SensorID string `yaml:"sensor_id"`
	ValueKey string `yaml:"value_key"`
}

func (c *OPCUAConfig) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "AegisReactor"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 250 * time.Millisecond
	}
	if c.SamplingInterval < 0 {
		c.SamplingInterval = 0
	}
	if c.Buffer <= 0 {
		c.Buffer = len(c.Nodes) * 64
	}
	for i := range c.Nodes {
		if c.Nodes[i].SensorID == "" {
			c.Nodes[i].SensorID = c.Nodes[i].NodeID
		}
		if c.Nodes[i].ValueKey == "" {
			c.Nodes[i].ValueKey = "value"
		}
	}
}

func (c *OPCUAConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one node must be configured")
	}
	return nil
}

// Reading is the JSON payload of an OPC UA data change event.
type Reading struct {
	SensorID  string             `json:"sensor_id"`
	NodeID    string             `json:"node_id"`
	Timestamp time.Time          `json:"ts"`
	Values    map[string]float64 `json:"values"`
}

// OPCUASource turns subscription data changes into events. The subscription
// goroutine blocks while the inbox is full, so a paused source stops draining
// notifications instead of growing memory.
type OPCUASource struct {
	id        string
	cfg       OPCUAConfig
	box       *inbox
	client    *opcua.Client
	sub       *opcua.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	handleMap map[uint32]OPCUANodeConfig
	seq       atomic.Uint64
	mu        sync.Mutex
	started   bool
}

func NewOPCUASource(id string, cfg OPCUAConfig) (*OPCUASource, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &OPCUASource{id: id, cfg: cfg, box: newInbox(cfg.Buffer)}, nil
}

func (c *OPCUASource) ID() string { return c.id }

// Seed continues numbering after lastID so readings taken after a restart do
// not reuse ids the ledger restored.
func (c *OPCUASource) Seed(lastID uint64) {
	for {
		cur := c.seq.Load()
		if lastID <= cur || c.seq.CompareAndSwap(cur, lastID) {
			return
		}
	}
}

func (c *OPCUASource) Ready() <-chan struct{} { return c.box.ready }

func (c *OPCUASource) ReadReady(_ context.Context, budget int) ([]domain.Event, error) {
	return c.box.take(budget), nil
}

func (c *OPCUASource) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("opcua source %s already started", c.id)
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	client, err := opcua.NewClient(c.cfg.Endpoint, c.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(c.cfg.Nodes)*4)
	sub, err := client.Subscribe(runCtx, &opcua.SubscriptionParameters{
		Interval: c.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	handleMap := make(map[uint32]OPCUANodeConfig, len(c.cfg.Nodes))
	for i, node := range c.cfg.Nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("parse node id %q: %w", node.NodeID, err)
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		if c.cfg.SamplingInterval > 0 {
			req.RequestedParameters.SamplingInterval = float64(c.cfg.SamplingInterval / time.Millisecond)
		}
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q: %w", node.NodeID, err)
		}
		if len(res.Results) == 0 {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: empty result", node.NodeID)
		}
		if res.Results[0].StatusCode != ua.StatusOK {
			c.cleanupOnError(ctx, cancel, sub, client)
			return fmt.Errorf("monitor node %q failed: %s", node.NodeID, res.Results[0].StatusCode)
		}
		handleMap[handle] = node
	}

	c.mu.Lock()
	c.client = client
	c.sub = sub
	c.cancel = cancel
	c.handleMap = handleMap
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(runCtx, notifyCh)
	return nil
}

func (c *OPCUASource) Close() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	cancel, sub, client := c.cancel, c.sub, c.client
	c.started = false
	c.cancel, c.sub, c.client = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	c.wg.Wait()
	return err
}

func (c *OPCUASource) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				slog.Warn("opcua notification error", "source", c.id, "error", notif.Error)
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, ev := range c.eventsFrom(data, time.Now()) {
				if err := c.box.put(ctx, ev); err != nil {
					return
				}
			}
		}
	}
}

func (c *OPCUASource) eventsFrom(data *ua.DataChangeNotification, now time.Time) []domain.Event {
	var out []domain.Event
	for _, item := range data.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		nodeCfg, ok := c.handleMap[item.ClientHandle]
		if !ok {
			continue
		}
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			slog.Debug("opcua skipping unsupported value", "source", c.id, "node", nodeCfg.NodeID)
			continue
		}

		ts := item.Value.ServerTimestamp
		if ts.IsZero() {
			ts = item.Value.SourceTimestamp
		}
		if ts.IsZero() {
			ts = now
		}

		payload, err := json.Marshal(Reading{
			SensorID:  nodeCfg.SensorID,
			NodeID:    nodeCfg.NodeID,
			Timestamp: ts,
			Values:    map[string]float64{nodeCfg.ValueKey: fv},
		})
		if err != nil {
			continue
		}
		out = append(out, domain.Event{SourceID: c.id, ID: c.seq.Add(1), Payload: payload, ReceivedAt: now})
	}
	return out
}

func (c *OPCUASource) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(c.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(c.cfg.SecurityPolicy)),
		opcua.ApplicationName(c.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if c.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Username, c.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (c *OPCUASource) cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var (
	_ ports.Source = (*OPCUASource)(nil)
	_ ports.Opener = (*OPCUASource)(nil)
	_ ports.Seeder = (*OPCUASource)(nil)
)
