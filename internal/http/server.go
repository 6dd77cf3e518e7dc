package httpserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"example.com/openrobot-bt/internal/controller"
	"example.com/openrobot-bt/internal/db"
	mqttc "example.com/openrobot-bt/internal/mqtt"
)

type Server struct {
	DB         *db.DB
	MQTT       *mqttc.Client
	Controller *controller.Controller
	SSE        *SSEBroker
	WS         *WSHub
}

func NewServer(dbPath string) (*Server, error) {
	dbConn, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	s := New(controller.New(dbConn, nil))
	s.MQTT = mqttc.NewReconnectingClient("controller", "", s.subscribeAgentTopics)
	s.Controller.MQTT = s.MQTT
	return s, nil
}

// New wires the live streams to ctrl's ingestion events.
func New(ctrl *controller.Controller) *Server {
	s := &Server{
		DB:         ctrl.DB,
		Controller: ctrl,
		SSE:        NewSSEBroker(),
		WS:         NewWSHub(),
	}
	ctrl.Notify = s.broadcast
	return s
}

func (s *Server) broadcast(e controller.Event) {
	s.SSE.Broadcast(e)
	buf, err := json.Marshal(e)
	if err != nil {
		log.Printf("[controller] marshal event: %v", err)
		return
	}
	s.WS.Broadcast(buf)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/install-agent", s.handleInstallAgent)
	mux.HandleFunc("/api/settings/install-defaults", s.handleInstallDefaults)
	mux.HandleFunc("/api/agents", s.handleListAgents)
	mux.HandleFunc("/api/agents/command/broadcast", s.handleCommandBroadcast)
	mux.HandleFunc("/api/agents/", s.handleAgentSubroutes)
	mux.Handle("/api/stream", s.SSE)
	mux.Handle("/api/ws", s.WS)

	webRoot := os.Getenv("WEB_ROOT")
	if webRoot == "" {
		webRoot = "./web/dist"
	}
	mux.Handle("/", http.FileServer(http.Dir(webRoot)))
	return mux
}

func (s *Server) Start() error {
	addr := ":8080"
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		addr = v
	}
	log.Printf("[controller] listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.Controller.Health(w, r)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	s.Controller.ListAgents(w, r)
}

func (s *Server) handleAgentSubroutes(w http.ResponseWriter, r *http.Request) {
	id, sub, err := controller.ParseAgentPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	want := http.MethodGet
	switch {
	case sub == "command":
		want = http.MethodPost
	case sub == "" && r.Method == http.MethodDelete:
		want = http.MethodDelete
	}
	if r.Method != want {
		methodNotAllowed(w)
		return
	}
	switch sub {
	case "":
		if r.Method == http.MethodDelete {
			s.Controller.DeleteAgent(w, r, id)
			return
		}
		s.Controller.GetAgent(w, r, id)
	case "tree":
		s.Controller.AgentTree(w, r, id)
	case "cycles":
		s.Controller.AgentCycles(w, r, id)
	case "command":
		s.Controller.AgentCommand(w, r, id)
	case "terminal":
		s.Controller.Terminal(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCommandBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.Controller.BroadcastCommand(w, r)
}

func (s *Server) handleInstallAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.Controller.InstallAgent(w, r)
}

func (s *Server) handleInstallDefaults(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.Controller.GetInstallDefaults(w, r)
	case http.MethodPut:
		s.Controller.UpdateInstallDefaults(w, r)
	default:
		methodNotAllowed(w)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// subscribeAgentTopics runs on every (re)connect; the broker drops
// subscriptions of a clean session.
func (s *Server) subscribeAgentTopics(c mqtt.Client) {
	h := func(_ mqtt.Client, msg mqtt.Message) {
		if err := s.Controller.HandleMessage(context.Background(), msg.Topic(), msg.Payload()); err != nil {
			log.Printf("[controller] ingest %s: %v", msg.Topic(), err)
		}
	}
	for _, topic := range []string{mqttc.TopicStatusAll, mqttc.TopicTreeAll, mqttc.TopicTraceAll} {
		log.Printf("[controller] subscribing to %s", topic)
		if token := c.Subscribe(topic, 0, h); token.Wait() && token.Error() != nil {
			log.Printf("[controller] subscribe %s: %v", topic, token.Error())
		}
	}
}
