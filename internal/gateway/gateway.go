// Package gateway wires the dispatch surface, channels, decision sessions,
// scheduler and watchdog into one service.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/google/uuid"

	"github.com/vitalsignal/carecall/internal/agent"
	"github.com/vitalsignal/carecall/internal/bus"
	"github.com/vitalsignal/carecall/internal/channel"
	"github.com/vitalsignal/carecall/internal/config"
	"github.com/vitalsignal/carecall/internal/cron"
	"github.com/vitalsignal/carecall/internal/incident"
	"github.com/vitalsignal/carecall/internal/journal"
	"github.com/vitalsignal/carecall/internal/notifier"
	"github.com/vitalsignal/carecall/internal/triage"
	"github.com/vitalsignal/carecall/internal/watchdog"
)

// Runtime interface for the LLM runtime (allows mocking in tests). It only
// serves summary rewriting; the verdict never passes through it.
type Runtime interface {
	Run(ctx context.Context, req api.Request) (*api.Response, error)
	Close()
}

// runtimeAdapter wraps api.Runtime to implement Runtime
type runtimeAdapter struct {
	rt *api.Runtime
}

func (r *runtimeAdapter) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	return r.rt.Run(ctx, req)
}

func (r *runtimeAdapter) Close() {
	r.rt.Close()
}

// RuntimeFactory creates a Runtime instance
type RuntimeFactory func(cfg *config.Config, sysPrompt string) (Runtime, error)

// Options for creating a Gateway
type Options struct {
	RuntimeFactory RuntimeFactory
	Notifier       notifier.Notifier
	SignalChan     chan os.Signal // for testing signal handling
}

const summarizerSystemPrompt = `You rewrite short emergency verification call notes.
Given a call transcript and the committed outcome, produce one or two plain
sentences a human dispatcher can read at a glance. Never change the outcome,
never add facts that are not in the transcript.`

// DefaultRuntimeFactory creates the default agentsdk-go runtime
func DefaultRuntimeFactory(cfg *config.Config, sysPrompt string) (Runtime, error) {
	return newRuntime(cfg, sysPrompt)
}

func newRuntime(cfg *config.Config, sysPrompt string) (Runtime, error) {
	var provider api.ModelFactory
	switch cfg.Provider.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Agent.Model,
			MaxTokens: cfg.Agent.MaxTokens,
		}
	}

	rt, err := api.New(context.Background(), api.Options{
		ProjectRoot:   config.ConfigDir(),
		ModelFactory:  provider,
		SystemPrompt:  sysPrompt,
		MaxIterations: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	return &runtimeAdapter{rt: rt}, nil
}

// llmSummarizer adapts the Runtime to agent.Summarizer.
type llmSummarizer struct {
	runtime Runtime
}

func (l *llmSummarizer) Summarize(ctx context.Context, transcript []string, verdict triage.Verdict) (string, error) {
	var sb strings.Builder
	sb.WriteString("Outcome: ")
	sb.WriteString(verdict.String())
	sb.WriteString("\nTranscript:\n")
	if len(transcript) == 0 {
		sb.WriteString("(no reply from the person)\n")
	}
	for _, line := range transcript {
		sb.WriteString("- ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite the dispatcher note.")

	resp, err := l.runtime.Run(ctx, api.Request{
		Prompt:    sb.String(),
		SessionID: "summarizer:" + uuid.NewString(),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Result == nil {
		return "", nil
	}
	return resp.Result.Output, nil
}

type Gateway struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	runtime  Runtime
	notifier notifier.Notifier
	channels *channel.ChannelManager
	cron     *cron.Service
	watchdog *watchdog.Service
	journal  *journal.Store
	server   *http.Server

	sessMu   sync.Mutex
	sessions map[string]*agent.Session // session key -> session

	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		sessions: make(map[string]*agent.Session),
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	// Backend notifier
	if opts.Notifier != nil {
		g.notifier = opts.Notifier
	} else {
		g.notifier = notifier.NewClient(cfg.Backend)
	}

	// Outcome journal
	dbPath := strings.TrimSpace(cfg.Journal.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "journal.db")
	}
	store, err := journal.NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("create outcome journal: %w", err)
	}
	g.journal = store

	// LLM runtime: optional, summaries only. Without it summaries stay
	// deterministic.
	if cfg.Agent.LLMSummaries {
		factory := opts.RuntimeFactory
		if factory == nil {
			factory = DefaultRuntimeFactory
		}
		rt, err := factory(cfg, summarizerSystemPrompt)
		if err != nil {
			_ = g.journal.Close()
			return nil, err
		}
		g.runtime = rt
	}

	g.signalChan = opts.SignalChan

	// Check-in scheduler
	storePath := strings.TrimSpace(cfg.Checkins.StorePath)
	if storePath == "" {
		storePath = filepath.Join(config.ConfigDir(), "data", "checkins", "jobs.json")
	}
	g.cron = cron.NewService(storePath)
	g.cron.OnJob = func(job cron.CronJob) (string, error) {
		return g.startCheckin(job)
	}

	// Stale session sweeper
	g.watchdog = watchdog.NewService(g, time.Duration(cfg.Watchdog.SweepSecs)*time.Second)

	// Channels
	chMgr, err := channel.NewChannelManager(cfg.Channels, cfg.Gateway, g.bus)
	if err != nil {
		_ = g.journal.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// Bus exposes the message bus so callers like the `call` command can attach
// a console channel.
func (g *Gateway) Bus() *bus.MessageBus { return g.bus }

// Channels exposes the channel manager for out-of-config channels.
func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }

// Journal exposes the outcome store for the status command.
func (g *Gateway) Journal() *journal.Store { return g.journal }

func (g *Gateway) sessionOptions() agent.Options {
	opts := agent.Options{
		Recorder:        g.journal,
		MaxClarifyTurns: g.cfg.Agent.MaxClarifyTurns,
		Deadline:        time.Duration(g.cfg.Watchdog.DeadlineSecs) * time.Second,
	}
	if g.runtime != nil {
		opts.Summarizer = &llmSummarizer{runtime: g.runtime}
	}
	return opts
}

// StartCall creates a session for a dispatched incident and speaks the
// greeting on the requested channel. The call ID doubles as the channel
// address (chat ID, websocket call_id). Dispatch never fails on payload
// problems: the loader degrades to the sentinel record.
func (g *Gateway) StartCall(channelName, chatID string, payload []byte) (*agent.Session, error) {
	rec := incident.ParseDispatch(payload)

	callID := strings.TrimSpace(chatID)
	if callID == "" {
		callID = uuid.NewString()
	}
	key := channelName + ":" + callID

	g.sessMu.Lock()
	if existing, ok := g.sessions[key]; ok && !existing.Decided() {
		g.sessMu.Unlock()
		return nil, fmt.Errorf("call %s already in progress", key)
	}
	s := agent.NewSession(uuid.NewString(), rec, g.notifier, g.sessionOptions())
	s.Channel = channelName
	s.ChatID = callID
	g.sessions[key] = s
	g.sessMu.Unlock()
	go g.retire(key, s)

	log.Printf("[gateway] call %s started for incident %s on %s", callID, rec.IncidentID, channelName)

	g.bus.Outbound <- bus.OutboundUtterance{
		Channel: channelName,
		CallID:  callID,
		Content: s.Greeting(),
	}
	return s, nil
}

// startCheckin opens a proactive check-in session. The decision core treats
// it like any call: a distressed reply escalates, a reassuring one closes.
func (g *Gateway) startCheckin(job cron.CronJob) (string, error) {
	if job.Payload.Channel == "" || job.Payload.ChatID == "" {
		return "", fmt.Errorf("check-in job %s has no channel address", job.Name)
	}

	rec := incident.Sentinel()
	rec.IncidentID = "checkin-" + uuid.NewString()[:8]
	rec.UserID = job.Payload.UserID

	key := job.Payload.Channel + ":" + job.Payload.ChatID

	g.sessMu.Lock()
	if existing, ok := g.sessions[key]; ok && !existing.Decided() {
		g.sessMu.Unlock()
		return "", fmt.Errorf("check-in skipped, call %s already in progress", key)
	}
	s := agent.NewSession(uuid.NewString(), rec, g.notifier, g.sessionOptions())
	s.Channel = job.Payload.Channel
	s.ChatID = job.Payload.ChatID
	g.sessions[key] = s
	g.sessMu.Unlock()
	go g.retire(key, s)

	message := strings.TrimSpace(job.Payload.Message)
	if message == "" {
		message = "Hello, this is your automatic care assistant checking in. How are you doing today?"
	}

	g.bus.Outbound <- bus.OutboundUtterance{
		Channel: job.Payload.Channel,
		CallID:  job.Payload.ChatID,
		Content: message,
	}
	log.Printf("[gateway] check-in %s opened on %s", rec.IncidentID, key)
	return "check-in " + rec.IncidentID + " opened", nil
}

// ExpiredSessions implements watchdog.SessionSource.
func (g *Gateway) ExpiredSessions(now time.Time) []*agent.Session {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()

	var expired []*agent.Session
	for _, s := range g.sessions {
		if s.Expired(now) {
			expired = append(expired, s)
		}
	}
	return expired
}

func (g *Gateway) session(key string) *agent.Session {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	return g.sessions[key]
}

// retire drops the session from the registry once its background notifier
// and journal work has finished. One waiter per session, started at
// registration, so watchdog-escalated calls that never see another utterance
// are cleaned up the same way as conversational ones.
func (g *Gateway) retire(key string, s *agent.Session) {
	<-s.Done()
	g.sessMu.Lock()
	if g.sessions[key] == s {
		delete(g.sessions, key)
	}
	g.sessMu.Unlock()
	log.Printf("[gateway] call %s retired: %s", s.ChatID, s.NotifyResult())
}

type dispatchRequest struct {
	Channel string          `json:"channel"`
	ChatID  string          `json:"chatId,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type dispatchResponse struct {
	CallID     string `json:"callId"`
	IncidentID string `json:"incidentId"`
	Channel    string `json:"channel"`
}

func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid dispatch body", http.StatusBadRequest)
		return
	}

	channelName := req.Channel
	if channelName == "" {
		channelName = "voicebridge"
	}

	s, err := g.StartCall(channelName, req.ChatID, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dispatchResponse{
		CallID:     s.ChatID,
		IncidentID: s.Incident().IncidentID,
		Channel:    channelName,
	})
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	g.sessMu.Lock()
	live := len(g.sessions)
	g.sessMu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"liveSessions": live,
	})
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	log.Printf("[gateway] channels started: %v", g.channels.EnabledChannels())

	if g.cfg.Checkins.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			log.Printf("[gateway] check-in scheduler start warning: %v", err)
		}
	}

	if err := g.watchdog.Start(ctx); err != nil {
		log.Printf("[gateway] watchdog start warning: %v", err)
	}

	go g.processLoop(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/dispatch", g.handleDispatch)
	mux.HandleFunc("/healthz", g.handleHealthz)
	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Gateway.Host, g.cfg.Gateway.Port),
		Handler: mux,
	}
	go func() {
		log.Printf("[gateway] dispatch surface on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] http server error: %v", err)
		}
	}()

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	log.Printf("[gateway] shutting down...")
	return g.Shutdown()
}

// ProcessLoop routes inbound utterances to their session and forwards the
// agent's reply. Exposed for the `call` command, which runs it without the
// full Run lifecycle.
func (g *Gateway) ProcessLoop(ctx context.Context) {
	g.processLoop(ctx)
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			log.Printf("[gateway] inbound from %s/%s: %s", msg.Channel, msg.SenderID, truncate(msg.Content, 80))

			key := msg.SessionKey()
			s := g.session(key)
			if s == nil {
				log.Printf("[gateway] no active call for %s, dropping utterance", key)
				continue
			}

			reply, _ := s.HandleUtterance(ctx, msg.Content)
			if reply != "" {
				g.bus.Outbound <- bus.OutboundUtterance{
					Channel: msg.Channel,
					CallID:  msg.CallID,
					Content: reply,
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	if g.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown warning: %v", err)
		}
	}
	g.watchdog.Stop()
	g.cron.Stop()
	_ = g.channels.StopAll()

	// Give in-flight finalizers a moment so outcomes are not lost on the way
	// to the backend.
	g.drainSessions(10 * time.Second)

	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			log.Printf("[gateway] close journal warning: %v", err)
		}
	}
	if g.runtime != nil {
		g.runtime.Close()
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func (g *Gateway) drainSessions(timeout time.Duration) {
	g.sessMu.Lock()
	pending := make([]*agent.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if s.Decided() {
			pending = append(pending, s)
		}
	}
	g.sessMu.Unlock()

	deadline := time.After(timeout)
	for _, s := range pending {
		select {
		case <-s.Done():
		case <-deadline:
			log.Printf("[gateway] shutdown drain timeout")
			return
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
