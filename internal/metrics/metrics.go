package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Messaging
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_messages_sent_total",
			Help: "Messages confirmed by the server",
		},
		[]string{"type"}, // "text" or "audio"
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_messages_failed_total",
			Help: "Failed send attempts",
		},
	)

	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaychat_messages_received_total",
			Help: "Messages received over the relay",
		},
	)

	// Relay connection
	RelayStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_relay_state_changes_total",
			Help: "Relay connection state changes",
		},
		[]string{"state"},
	)

	// Calls
	CallsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_calls_started_total",
			Help: "Calls started",
		},
		[]string{"direction"}, // "outgoing" or "incoming"
	)

	CallsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_calls_ended_total",
			Help: "Calls ended, by reason",
		},
		[]string{"reason"},
	)

	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relaychat_call_duration_seconds",
			Help:    "Duration of connected calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Voice notes
	VoiceNotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaychat_voice_notes_total",
			Help: "Voice note recordings, by outcome",
		},
		[]string{"outcome"}, // "sent", "cancelled", "failed"
	)
)

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
