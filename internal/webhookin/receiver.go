// Package webhookin receives external service events and turns them into
// workflow runs. Every inbound delivery is HMAC-verified against the
// service's shared secret before anything looks at the payload.
package webhookin

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/korvo-chat/backend/internal/kv"
	"github.com/korvo-chat/backend/internal/workflow"
)

const (
	defaultSignatureHeader = "X-Webhook-Signature"
	defaultEventField      = "event"
	deliveryHeader         = "X-Delivery-ID"
	maxBodyBytes           = 1 << 20

	dedupeTTL = 24 * time.Hour
)

// ServiceConfig describes how one external service signs its deliveries.
type ServiceConfig struct {
	Secret          string
	Algorithm       string // "sha256" (default) or "sha1"
	SignatureHeader string // default X-Webhook-Signature
	EventField      string // JSON field carrying the event name, default "event"
}

func (c ServiceConfig) header() string {
	if c.SignatureHeader != "" {
		return c.SignatureHeader
	}
	return defaultSignatureHeader
}

func (c ServiceConfig) eventField() string {
	if c.EventField != "" {
		return c.EventField
	}
	return defaultEventField
}

func (c ServiceConfig) hasher() func() hash.Hash {
	if strings.EqualFold(c.Algorithm, "sha1") {
		return sha1.New
	}
	return sha256.New
}

// Receiver is the HTTP ingress for webhook deliveries. Services that send
// an X-Delivery-ID header get redelivery dedupe on top of signature
// verification; a repeated id is acknowledged without dispatching.
type Receiver struct {
	services map[string]ServiceConfig
	router   *workflow.WebhookRouter
	cache    kv.Store
	log      *slog.Logger
}

func NewReceiver(services map[string]ServiceConfig, router *workflow.WebhookRouter, cache kv.Store, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{services: services, router: router, cache: cache, log: log}
}

// Register mounts POST /webhooks/{service}.
func (rcv *Receiver) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/{service}", rcv.handle).Methods(http.MethodPost)
}

func (rcv *Receiver) handle(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	cfg, ok := rcv.services[service]
	if !ok {
		http.Error(w, "unknown service", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	if !Verify(body, r.Header.Get(cfg.header()), cfg) {
		rcv.log.Warn("webhook signature mismatch", "service", service)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "payload is not valid JSON", http.StatusBadRequest)
		return
	}
	event, _ := payload[cfg.eventField()].(string)

	if id := r.Header.Get(deliveryHeader); id != "" && rcv.cache != nil {
		won, err := rcv.cache.SetNX(r.Context(), "korvo:webhook:seen:"+service+":"+id, []byte("1"), dedupeTTL)
		if err == nil && !won {
			rcv.log.Info("duplicate delivery acknowledged", "service", service, "delivery_id", id)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "duplicate", "started": 0})
			return
		}
	}

	started, err := rcv.router.Dispatch(r.Context(), service, event, payload)
	if err != nil {
		rcv.log.Error("webhook dispatch failed", "service", service, "event", event, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}

	rcv.log.Info("webhook accepted", "service", service, "event", event, "started", started)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "started": started})
}

// Verify checks the delivery signature in constant time. Accepts both the
// bare hex digest and the "<alg>=<hex>" form.
func Verify(body []byte, signature string, cfg ServiceConfig) bool {
	if cfg.Secret == "" || signature == "" {
		return false
	}
	if i := strings.IndexByte(signature, '='); i >= 0 {
		signature = signature[i+1:]
	}
	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(cfg.hasher(), []byte(cfg.Secret))
	mac.Write(body)
	return hmac.Equal(given, mac.Sum(nil))
}

// Sign computes the signature a service would attach. Test helper and the
// reference for partner integration docs.
func Sign(body []byte, cfg ServiceConfig) string {
	mac := hmac.New(cfg.hasher(), []byte(cfg.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
