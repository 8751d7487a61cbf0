package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/vitalsignal/carecall/internal/bus"
	"github.com/vitalsignal/carecall/internal/config"
)

const voiceBridgeChannelName = "voicebridge"

// bridgeFrame is the wire format exchanged with the speech pipeline. The
// pipeline sends transcribed utterances; the agent sends lines to speak.
// STT/TTS/VAD all live on the other side of this socket.
type bridgeFrame struct {
	Type    string `json:"type"` // "utterance" or "speak"
	CallID  string `json:"callId,omitempty"`
	Sender  string `json:"senderId,omitempty"`
	Content string `json:"content,omitempty"`
}

type bridgeClient struct {
	conn   *websocket.Conn
	callID string
}

// VoiceBridgeChannel accepts one websocket connection per live call from the
// external speech pipeline.
type VoiceBridgeChannel struct {
	BaseChannel
	port    int
	server  *http.Server
	clients sync.Map // call ID -> *bridgeClient
}

func NewVoiceBridgeChannel(cfg config.VoiceBridgeConfig, gwCfg config.GatewayConfig, b *bus.MessageBus) (*VoiceBridgeChannel, error) {
	port := cfg.Port
	if port == 0 {
		port = gwCfg.Port + 1
	}
	return &VoiceBridgeChannel{
		BaseChannel: NewBaseChannel(voiceBridgeChannelName, b, cfg.AllowFrom),
		port:        port,
	}, nil
}

func (v *VoiceBridgeChannel) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/call", v.handleCall)

	v.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", v.port),
		Handler: mux,
	}

	go func() {
		log.Printf("[voicebridge] listening on :%d", v.port)
		if err := v.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[voicebridge] server error: %v", err)
		}
	}()

	return nil
}

func (v *VoiceBridgeChannel) handleCall(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[voicebridge] websocket accept error: %v", err)
		return
	}

	client := &bridgeClient{conn: conn, callID: callID}
	v.clients.Store(callID, client)
	log.Printf("[voicebridge] speech pipeline connected for call %s", callID)

	defer func() {
		v.clients.Delete(callID)
		conn.CloseNow()
		log.Printf("[voicebridge] call %s disconnected", callID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != "utterance" {
			continue
		}

		sender := frame.Sender
		if sender == "" {
			sender = callID
		}
		if !v.IsAllowed(sender) {
			log.Printf("[voicebridge] rejected utterance from %s on call %s", sender, callID)
			continue
		}

		v.bus.Inbound <- bus.InboundUtterance{
			Channel:   voiceBridgeChannelName,
			CallID:    callID,
			SenderID:  sender,
			Content:   frame.Content,
			Timestamp: time.Now(),
		}
	}
}

func (v *VoiceBridgeChannel) Send(msg bus.OutboundUtterance) error {
	client, ok := v.clients.Load(msg.CallID)
	if !ok {
		return fmt.Errorf("no speech pipeline connected for call %s", msg.CallID)
	}

	data, err := json.Marshal(bridgeFrame{
		Type:    "speak",
		CallID:  msg.CallID,
		Content: msg.Content,
	})
	if err != nil {
		return err
	}

	c := client.(*bridgeClient)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (v *VoiceBridgeChannel) Stop() error {
	if v.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.server.Shutdown(ctx); err != nil {
			log.Printf("[voicebridge] shutdown error: %v", err)
		}
	}
	v.clients.Range(func(key, value any) bool {
		c := value.(*bridgeClient)
		c.conn.CloseNow()
		return true
	})
	log.Printf("[voicebridge] stopped")
	return nil
}
