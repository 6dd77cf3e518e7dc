package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"example.com/openrobot-bt/internal/behavior"
	mqttc "example.com/openrobot-bt/internal/mqtt"
	"example.com/openrobot-bt/internal/trace"
)

// Blackboard keys written by the agent tree.
const (
	KeyIPAddress = "ip_address"
	KeyPaused    = "paused"
	KeyTickHz    = "tick_hz"
)

// Link is the broker connection the agent tree drives.
type Link interface {
	IsConnected() bool
	Connect() error
	Publish(topic string, payload []byte)
	PublishRetained(topic string, payload []byte)
}

type AgentEngine struct {
	Config     Config
	Link       Link
	JobManager *JobManager
	Blackboard *behavior.Blackboard
	Tree       *behavior.Tree
	Session    string

	collector     *trace.Collector
	cmdChan       chan Command
	rateChanged   bool
	lastIP        string
	lastIPCheck   time.Time
	lastHeartbeat time.Time
	lastRoot      behavior.Status
	reconnecting  chan error

	now      func() time.Time
	detectIP func() string
}

// NewAgentEngine builds the agent tree. link may be nil, in which case Start
// dials the configured broker.
func NewAgentEngine(cfg Config, link Link) *AgentEngine {
	cfg.ApplyDefaults()
	mode, err := trace.ParseMode(cfg.Trace)
	if err != nil {
		log.Printf("[agent] %v, using %s", err, trace.ModeChanges)
		mode = trace.ModeChanges
	}

	bb := behavior.NewBlackboard()
	bb.Set(KeyPaused, false)
	bb.Set(KeyTickHz, cfg.TickHz)

	e := &AgentEngine{
		Config:     cfg,
		Link:       link,
		JobManager: NewJobManager(),
		Blackboard: bb,
		Session:    uuid.NewString(),
		cmdChan:    make(chan Command, 10),
		lastRoot:   behavior.StatusRunning,
		now:        time.Now,
		detectIP:   DetectIPv4,
	}
	e.Tree = behavior.NewTree(e.buildTree(),
		behavior.WithBlackboard(bb),
		behavior.WithErrorSink(e.onFault),
	)
	e.collector = trace.NewCollector(cfg.AgentID, e.Session, mode)
	e.collector.Attach(e.Tree)
	return e
}

func (e *AgentEngine) Start(ctx context.Context) {
	if e.Link == nil {
		e.Link = e.connectMQTT()
	}
	// Later connects publish the shape from the reconnect leaf.
	if e.Link.IsConnected() {
		if err := e.PublishShape(); err != nil {
			log.Printf("[agent] publish shape: %v", err)
		}
	}

	last := e.now()
	ticker := time.NewTicker(e.Config.TickInterval())
	defer ticker.Stop()
	defer e.Tree.Dispose()

	log.Printf("[agent] engine started at %d Hz, session %s", e.Config.TickHz, e.Session)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[agent] engine stopped after %d cycles", e.Tree.Cycle())
			return
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			e.Step(ctx, dt)
			if e.rateChanged {
				e.rateChanged = false
				ticker.Reset(e.Config.TickInterval())
				log.Printf("[agent] tick rate set to %d Hz", e.Config.TickHz)
			}
		}
	}
}

// Step runs one cycle of the tree and publishes its trace when the
// collector's mode asks for it.
func (e *AgentEngine) Step(ctx context.Context, dt time.Duration) behavior.Status {
	status := e.Tree.Tick(ctx, dt)
	e.lastRoot = status

	cyc, ok := e.collector.Flush(e.now())
	if !ok || e.Link == nil || !e.Link.IsConnected() {
		return status
	}
	buf, err := json.Marshal(cyc)
	if err != nil {
		log.Printf("[agent] trace marshal: %v", err)
		return status
	}
	e.Link.Publish(mqttc.TraceTopic(e.Config.AgentID), buf)
	return status
}

// Enqueue hands cmd to the tree without blocking. It reports false when the
// queue is full.
func (e *AgentEngine) Enqueue(cmd Command) bool {
	select {
	case e.cmdChan <- cmd:
		return true
	default:
		return false
	}
}

func (e *AgentEngine) connectMQTT() *mqttc.Client {
	onConnect := func(c mqttlib.Client) {
		log.Printf("[agent] MQTT connected")
		for _, topic := range []string{mqttc.CommandTopic(e.Config.AgentID), mqttc.TopicCommandsAll} {
			log.Printf("[agent] subscribing to %s", topic)
			if token := c.Subscribe(topic, 0, e.mqttHandler); token.Wait() && token.Error() != nil {
				log.Printf("[agent] subscribe %s: %v", topic, token.Error())
			}
		}
	}
	return mqttc.NewClientWithHandler("agent-"+e.Config.AgentID, e.Config.MQTTBroker, onConnect)
}

func (e *AgentEngine) mqttHandler(_ mqttlib.Client, msg mqttlib.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("[agent] invalid command JSON: %v", err)
		return
	}
	if e.Enqueue(cmd) {
		log.Printf("[agent] queued command: %s", cmd.Type)
	} else {
		log.Printf("[agent] command queue full, dropping command: %s", cmd.Type)
	}
}

// PublishShape publishes the tree's shape retained on the agent's tree topic.
func (e *AgentEngine) PublishShape() error {
	if e.Link == nil {
		return errors.New("agent: no link")
	}
	buf, err := e.shapePayload()
	if err != nil {
		return err
	}
	e.Link.PublishRetained(mqttc.TreeTopic(e.Config.AgentID), buf)
	return nil
}

func (e *AgentEngine) shapePayload() ([]byte, error) {
	return json.Marshal(trace.Shape{
		AgentID: e.Config.AgentID,
		Session: e.Session,
		Nodes:   e.Tree.Shape(),
	})
}

func (e *AgentEngine) onFault(f behavior.Fault) {
	log.Printf("[agent] %v", f)
}

func (e *AgentEngine) buildTree() behavior.Node {
	return behavior.Named("agent", behavior.Parallel(behavior.PolicyAnd,
		behavior.Named("process_commands", behavior.Action(e.processCommands)),
		behavior.Named("check_network", behavior.Action(e.checkNetwork)),
		behavior.Named("connection", behavior.Selector(
			behavior.Named("mqtt_connected", behavior.Condition(e.mqttConnected)),
			behavior.Named("recover", behavior.Sequence(
				behavior.Named("backoff", behavior.Wait(e.Config.ReconnectBackoff)),
				behavior.Named("reconnect", behavior.Action(e.reconnect)).OnEnter(e.startReconnect),
			)),
		)),
		behavior.Named("send_heartbeat", behavior.Action(e.sendHeartbeat)),
		behavior.Named("activity", behavior.Selector(
			behavior.Named("paused", behavior.Sequence(
				behavior.Named("is_paused", behavior.Condition(isPaused)),
				behavior.Named("hold", behavior.Action(hold)),
			)),
			behavior.Named("track_job", behavior.Action(e.trackJob)),
		)),
	))
}

// --- Leaf Nodes ---

func (e *AgentEngine) processCommands(ctx context.Context, f *behavior.Frame) (behavior.Status, error) {
	for {
		select {
		case cmd := <-e.cmdChan:
			if err := e.apply(ctx, f, cmd); err != nil {
				log.Printf("[agent] command %s: %v", cmd.Type, err)
			}
		default:
			return behavior.StatusSuccess, nil
		}
	}
}

func (e *AgentEngine) apply(ctx context.Context, f *behavior.Frame, cmd Command) error {
	switch cmd.Type {
	case CommandPause:
		f.Board.Set(KeyPaused, true)
	case CommandResume:
		f.Board.Set(KeyPaused, false)
	case CommandSetRate:
		var payload SetRateData
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if payload.Hz < 1 || payload.Hz > MaxTickHz {
			return fmt.Errorf("hz %d out of range 1..%d", payload.Hz, MaxTickHz)
		}
		if payload.Hz != e.Config.TickHz {
			e.Config.TickHz = payload.Hz
			e.rateChanged = true
			f.Board.Set(KeyTickHz, payload.Hz)
		}
	case CommandExec:
		var payload ExecData
		if err := json.Unmarshal(cmd.Data, &payload); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if paused, _ := behavior.Lookup[bool](f.Board, KeyPaused); paused {
			return errors.New("rejected while paused")
		}
		cfg := e.Config
		jobID := fmt.Sprintf("%d", e.now().UnixNano())
		return e.JobManager.StartJob(ctx, jobID, cmd.Type, func(ctx context.Context) (string, error) {
			return HandleExec(ctx, cfg, payload)
		})
	default:
		return errors.New("unknown command type")
	}
	return nil
}

// checkNetwork re-reads the interfaces once per heartbeat interval.
func (e *AgentEngine) checkNetwork(_ context.Context, f *behavior.Frame) (behavior.Status, error) {
	now := e.now()
	if !e.lastIPCheck.IsZero() && now.Sub(e.lastIPCheck) < e.Config.Heartbeat {
		return behavior.StatusSuccess, nil
	}
	e.lastIPCheck = now
	currentIP := e.detectIP()
	if currentIP != e.lastIP {
		if e.lastIP != "" {
			log.Printf("[agent] IP changed from %s to %s", e.lastIP, currentIP)
		}
		e.lastIP = currentIP
		f.Board.Set(KeyIPAddress, currentIP)
	}
	return behavior.StatusSuccess, nil
}

func (e *AgentEngine) mqttConnected(context.Context, *behavior.Frame) bool {
	return e.Link != nil && e.Link.IsConnected()
}

func (e *AgentEngine) startReconnect(*behavior.Frame) {
	done := make(chan error, 1)
	e.reconnecting = done
	link := e.Link
	log.Printf("[agent] MQTT disconnected, attempting reconnect...")
	go func() {
		if link == nil {
			done <- errors.New("no link")
			return
		}
		done <- link.Connect()
	}()
}

// reconnect waits on the attempt started on entry without blocking the tick.
func (e *AgentEngine) reconnect(context.Context, *behavior.Frame) (behavior.Status, error) {
	select {
	case err := <-e.reconnecting:
		if err != nil {
			return behavior.StatusFailure, fmt.Errorf("reconnect: %w", err)
		}
		if e.Link != nil && e.Link.IsConnected() {
			if err := e.PublishShape(); err != nil {
				log.Printf("[agent] publish shape: %v", err)
			}
		}
		return behavior.StatusSuccess, nil
	default:
		return behavior.StatusRunning, nil
	}
}

func (e *AgentEngine) sendHeartbeat(_ context.Context, f *behavior.Frame) (behavior.Status, error) {
	if e.Link == nil || !e.Link.IsConnected() {
		return behavior.StatusSuccess, nil
	}
	now := e.now()
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < e.Config.Heartbeat {
		return behavior.StatusSuccess, nil
	}
	buf, err := json.Marshal(e.heartbeat(now, f))
	if err != nil {
		return behavior.StatusFailure, err
	}
	e.Link.PublishRetained(mqttc.StatusTopic(e.Config.AgentID), buf)
	e.lastHeartbeat = now
	return behavior.StatusSuccess, nil
}

func isPaused(_ context.Context, f *behavior.Frame) bool {
	paused, _ := behavior.Lookup[bool](f.Board, KeyPaused)
	return paused
}

// hold keeps the paused branch running until a resume arrives.
func hold(ctx context.Context, f *behavior.Frame) (behavior.Status, error) {
	if isPaused(ctx, f) {
		return behavior.StatusRunning, nil
	}
	return behavior.StatusFailure, nil
}

func (e *AgentEngine) trackJob(context.Context, *behavior.Frame) (behavior.Status, error) {
	if e.JobManager.Busy() {
		return behavior.StatusRunning, nil
	}
	return behavior.StatusSuccess, nil
}

// Heartbeat is the retained status document on lab/status/<agent_id>.
type Heartbeat struct {
	Status    string `json:"status"`
	TS        string `json:"ts"`
	IP        string `json:"ip"`
	Type      string `json:"type,omitempty"`
	Name      string `json:"name,omitempty"`
	Session   string `json:"session"`
	Cycle     uint64 `json:"cycle"`
	Root      string `json:"root"`
	TickHz    int    `json:"tick_hz"`
	JobID     string `json:"job_id,omitempty"`
	JobStatus string `json:"job_status,omitempty"`
	JobError  string `json:"job_error,omitempty"`
}

func (e *AgentEngine) heartbeat(now time.Time, f *behavior.Frame) Heartbeat {
	hb := Heartbeat{
		Status:  "ok",
		TS:      now.Format(time.RFC3339),
		IP:      f.Board.GetString(KeyIPAddress),
		Type:    e.Config.Type,
		Name:    e.Config.AgentID,
		Session: e.Session,
		Cycle:   f.Cycle,
		Root:    e.lastRoot.String(),
		TickHz:  e.Config.TickHz,
	}
	if paused, _ := behavior.Lookup[bool](f.Board, KeyPaused); paused {
		hb.Status = "paused"
	}
	if job, ok := e.JobManager.Last(); ok {
		hb.JobID = job.ID
		hb.JobStatus = string(job.Status)
		hb.JobError = job.Error
	}
	return hb
}
