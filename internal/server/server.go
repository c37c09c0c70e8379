package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/ystudio/internal/dsp"
	"github.com/shaunagostinho/ystudio/internal/frame"
	"github.com/shaunagostinho/ystudio/internal/recorder"
	"github.com/shaunagostinho/ystudio/internal/window"
	"github.com/shaunagostinho/ystudio/internal/ylab"
)

// Server exposes acquisition and recording state over HTTP and pushes
// periodic snapshots to WebSocket clients. It only ever reads snapshots
// and submits commands; it never touches the port or the recording file.
type Server struct {
	cfg      *Config
	machine  *ylab.Machine
	recorder *recorder.Recorder
	webFS    fs.FS
	gatherer prometheus.Gatherer
	log      *slog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Snapshot is the JSON structure sent to all WebSocket clients.
type Snapshot struct {
	Device   ylab.State     `json:"device"`
	Recorder recorder.State `json:"recorder"`
	Stats    ylab.Stats     `json:"stats"`
	Banks    []BankView     `json:"banks"`
	Stamp    int64          `json:"stamp"` // Unix ms
}

// BankView summarizes one bank window for display.
type BankView struct {
	window.BankStats
	Label    string                             `json:"label,omitempty"`
	Channels [frame.Channels]window.ChannelStat `json:"channels"`
}

// New creates a new Server. gatherer may be nil to serve the default
// Prometheus registry.
func New(cfg *Config, machine *ylab.Machine, rec *recorder.Recorder, webFS fs.FS, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		machine:  machine,
		recorder: rec,
		webFS:    webFS,
		gatherer: gatherer,
		log:      logger.With("component", "server"),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Acquisition and recording
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/profiles", s.handleProfiles)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/recording", s.handleRecording)

	// Window queries
	mux.HandleFunc("/api/series", s.handleSeries)
	mux.HandleFunc("/api/spectrum", s.handleSpectrum)
	mux.HandleFunc("/api/records", s.handleRecords)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", "addr", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("client connected", "clients", n)

	// Send the current state right away
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive and close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("client disconnected", "clients", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", "error", err)
		}
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.snapshot())
}

func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ylab.Profiles())
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	st := s.machine.State()
	writeJSON(w, map[string]any{"discovered": st.Discovered(), "ports": st.Ports})
}

type deviceRequest struct {
	Command string `json:"command"`
	Model   string `json:"model"`
	Port    string `json:"port"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	kind, ok := ylab.ParseCommand(req.Command)
	if !ok {
		http.Error(w, "unknown command "+strconv.Quote(req.Command), 400)
		return
	}

	cmd := ylab.Command{Kind: kind}
	if kind == ylab.CmdConnect {
		s.cfg.mu.RLock()
		model, port := s.cfg.Device.Model, s.cfg.Device.Port
		s.cfg.mu.RUnlock()
		if req.Model != "" {
			model = req.Model
		}
		if req.Port != "" {
			port = req.Port
		}
		p, ok := ylab.Lookup(model)
		if !ok {
			http.Error(w, "unknown model "+strconv.Quote(model), 400)
			return
		}
		cmd.Profile, cmd.Port = p, port
	}

	if err := s.machine.Submit(r.Context(), cmd); err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type recordingRequest struct {
	Command string `json:"command"`
	Dir     string `json:"dir"`
	Name    string `json:"name"`
}

func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req recordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}
	kind, ok := recorder.ParseCommand(req.Command)
	if !ok {
		http.Error(w, "unknown command "+strconv.Quote(req.Command), 400)
		return
	}
	if err := s.recorder.Submit(r.Context(), recorder.Command{Kind: kind, Dir: req.Dir, Name: req.Name}); err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// SeriesResponse carries the per-channel series of one bank.
type SeriesResponse struct {
	Bank        int                            `json:"bank"`
	RateHz      float64                        `json:"rateHz"`
	CutoffHz    float64                        `json:"cutoffHz,omitempty"`
	CutoffRange [2]float64                     `json:"cutoffRange"`
	Channels    [frame.Channels][]window.Point `json:"channels"`
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	bank, ok := s.bankParam(w, r)
	if !ok {
		return
	}
	win, _ := s.machine.Store().Bank(bank)

	resp := SeriesResponse{Bank: bank, Channels: window.SplitByChannel(win.Samples())}
	rate, ready := win.Rate()
	resp.RateHz = rate
	if ready {
		if lo, hi, err := dsp.CutoffLimits(win.Duration().Seconds(), rate); err == nil {
			resp.CutoffRange = [2]float64{lo, hi}
		}
	}

	if v := r.URL.Query().Get("cutoff"); v != "" {
		cutoff, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "bad cutoff", 400)
			return
		}
		lo, hi := resp.CutoffRange[0], resp.CutoffRange[1]
		if !ready || hi == 0 {
			http.Error(w, dsp.ErrNotReady.Error(), 409)
			return
		}
		// the filter design needs a corner strictly below Nyquist
		cutoff = math.Min(dsp.ClampCutoff(cutoff, lo, hi), math.Nextafter(hi, 0))
		for ch, pts := range resp.Channels {
			out, err := dsp.LowPass(pts, rate, cutoff)
			if err != nil {
				http.Error(w, err.Error(), 409)
				return
			}
			resp.Channels[ch] = out
		}
		resp.CutoffHz = cutoff
	}
	writeJSON(w, resp)
}

// SpectrumResponse carries the spectrum of one channel.
type SpectrumResponse struct {
	Bank    int     `json:"bank"`
	Channel int     `json:"channel"`
	RateHz  float64 `json:"rateHz"`
	dsp.Spectrum
}

func (s *Server) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	bank, ok := s.bankParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	ch, err := strconv.Atoi(q.Get("channel"))
	if err != nil || ch < 0 || ch >= frame.Channels {
		http.Error(w, "bad channel", 400)
		return
	}
	var band dsp.Band
	for _, b := range []struct {
		key string
		dst *float64
	}{{"min", &band.Lo}, {"max", &band.Hi}} {
		v := q.Get(b.key)
		if v == "" {
			continue
		}
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(hz) || hz < 0 {
			http.Error(w, "bad "+b.key, 400)
			return
		}
		*b.dst = hz
	}

	size := s.frameSize()
	win, _ := s.machine.Store().Bank(bank)
	rate, _ := win.Rate()
	series := window.SplitByChannel(win.Tail(size))[ch]

	sp, err := dsp.Analyze(window.Values(series), rate, size, band)
	if err != nil {
		http.Error(w, err.Error(), 409)
		return
	}
	writeJSON(w, SpectrumResponse{Bank: bank, Channel: ch, RateHz: rate, Spectrum: sp})
}

// frameSize is the active profile's spectrum size, or the configured
// model's while disconnected.
func (s *Server) frameSize() int {
	if st := s.machine.State(); st.Phase != ylab.Disconnected {
		return st.Profile.FrameSize
	}
	if p, err := s.cfg.Profile(); err == nil {
		return p.FrameSize
	}
	return 256
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "bad limit", 400)
			return
		}
		limit = min(n, 10_000)
	}
	samples := s.machine.Store().Records(limit)
	recs := make([]frame.Record, len(samples))
	for i, smp := range samples {
		recs[i] = smp.Value
	}
	writeJSON(w, recs)
}

func (s *Server) bankParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	bank, err := strconv.Atoi(r.URL.Query().Get("bank"))
	if err != nil || bank < 0 || bank >= s.machine.Store().NumBanks() {
		http.Error(w, "bad bank", 400)
		return 0, false
	}
	return bank, true
}

func (s *Server) snapshot() Snapshot {
	dev := s.machine.State()
	store := s.machine.Store()

	var banks []BankView
	for _, st := range store.Stats() {
		view := BankView{BankStats: st}
		view.Label, _ = dev.Profile.BankLabel(uint8(st.Bank))
		if win, ok := store.Bank(st.Bank); ok {
			view.Channels = window.ChannelStats(win.Samples())
		}
		banks = append(banks, view)
	}

	return Snapshot{
		Device:   dev,
		Recorder: s.recorder.State(),
		Stats:    s.machine.Stats(),
		Banks:    banks,
		Stamp:    time.Now().UnixMilli(),
	}
}

// broadcastLoop pushes snapshots to connected clients at the configured rate.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.Server.BroadcastHz
	if hz <= 0 {
		hz = 10
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.clientsMu.RLock()
			n := len(s.clients)
			s.clientsMu.RUnlock()
			if n > 0 {
				s.broadcast(s.snapshot())
			}
		}
	}
}

func (s *Server) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), 500)
	}
}
