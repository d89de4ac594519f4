// Package main — HTTP-сервер вокруг ядра vnakit. Единственный потребитель
// фасада: отображает типизированные категории ошибок ядра в статусы HTTP и
// счетчики метрик, само ядро о HTTP ничего не знает.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/momentics/vnakit/internal/config"
	"github.com/momentics/vnakit/pkg/govna"
)

var (
	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "vnakit_scan_duration_seconds",
			Help: "Duration of VNA scan operations",
		},
		[]string{"device"},
	)
	coreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vnakit_core_errors_total",
			Help: "Core errors by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(scanDuration, coreErrors)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("ошибка загрузки конфигурации")
	}

	pool := govna.NewPool(log.Logger)
	pool.SetRetryPolicy(govna.RetryPolicy{
		Attempts:     cfg.Pool.RetryAttempts,
		InitialDelay: cfg.Pool.RetryInitialDelay,
		MaxDelay:     cfg.Pool.RetryMaxDelay,
		Multiplier:   cfg.Pool.RetryMultiplier,
	})
	profiles, err := govna.NewProfileStore(cfg.Profiles.Dir)
	if err != nil {
		log.Fatal().Err(err).Msg("ошибка открытия хранилища профилей")
	}
	vna := govna.NewVNA(pool, govna.NewEngine(log.Logger), profiles, log.Logger)
	defer vna.Close()

	srv := &server{vna: vna, cfg: cfg}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger())
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", srv.listDevices)
		r.Post("/devices", srv.registerDevice)
		r.Get("/scan", srv.scan)
		r.Post("/calibrate", srv.calibrate)
		r.Get("/profiles", srv.listProfiles)
	})

	httpServer := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("сервер запущен")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ошибка HTTP сервера")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("сервер останавливается...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("ошибка при корректном завершении сервера")
	}
	log.Info().Msg("сервер остановлен")
}

type server struct {
	vna *govna.VNA
	cfg *config.Config
}

type deviceResponse struct {
	ID       string `json:"id"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
	Identity string `json:"identity"`
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	handles := s.vna.ListDevices()
	devices := make([]deviceResponse, len(handles))
	for i, h := range handles {
		devices[i] = deviceResponse{
			ID:       h.ID,
			Port:     h.PortPath,
			Protocol: string(h.Protocol),
			Identity: h.Identity,
		}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port string `json:"port"`
		Baud int    `json:"baud"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Port == "" {
		writeError(w, http.StatusBadRequest, "поле 'port' обязательно")
		return
	}
	baud := req.Baud
	if baud == 0 {
		baud = s.cfg.Serial.BaudRate
	}
	handle, err := s.vna.RegisterDevice(r.Context(), govna.TransportConfig{
		PortPath:    req.Port,
		BaudRate:    baud,
		ReadTimeout: s.cfg.Serial.ReadTimeout,
	})
	if err != nil {
		s.coreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceResponse{
		ID:       handle.ID,
		Port:     handle.PortPath,
		Protocol: string(handle.Protocol),
		Identity: handle.Identity,
	})
}

type sweepResponse struct {
	Frequencies []uint64     `json:"frequencies"`
	S11         [][2]float64 `json:"s11"`
	S21         [][2]float64 `json:"s21"`
	VSWR        []float64    `json:"vswr"`
}

func (s *server) scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID := q.Get("device")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "параметр 'device' обязателен")
		return
	}
	start, err1 := strconv.ParseUint(q.Get("start"), 10, 64)
	stop, err2 := strconv.ParseUint(q.Get("stop"), 10, 64)
	points, err3 := strconv.Atoi(q.Get("points"))
	if err1 != nil || err2 != nil || err3 != nil {
		writeError(w, http.StatusBadRequest, "параметры 'start', 'stop', 'points' обязательны и должны быть числами")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Pool.AcquireTimeout)
	defer cancel()

	begin := time.Now()
	sweep, err := s.vna.Scan(ctx, deviceID, govna.SweepConfig{Start: start, Stop: stop, Points: points}, q.Get("profile"))
	if err != nil {
		s.coreError(w, err)
		return
	}
	scanDuration.WithLabelValues(deviceID).Observe(time.Since(begin).Seconds())

	if q.Get("format") == "touchstone" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(sweep.ToTouchstone()))
		return
	}

	resp := sweepResponse{
		Frequencies: sweep.Frequencies(),
		S11:         make([][2]float64, len(sweep.Points)),
		S21:         make([][2]float64, len(sweep.Points)),
		VSWR:        sweep.CalculateVSWR(),
	}
	for i, p := range sweep.Points {
		resp.S11[i] = [2]float64{real(p.S11), imag(p.S11)}
		resp.S21[i] = [2]float64{real(p.S21), imag(p.S21)}
	}
	writeJSON(w, http.StatusOK, resp)
}

type profileResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Ports     int       `json:"ports"`
	CreatedAt time.Time `json:"created_at"`
	Start     uint64    `json:"start"`
	Stop      uint64    `json:"stop"`
	Points    int       `json:"points"`
}

func (s *server) calibrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Device    string   `json:"device"`
		Name      string   `json:"name"`
		Ports     int      `json:"ports"`
		Start     uint64   `json:"start"`
		Stop      uint64   `json:"stop"`
		Points    int      `json:"points"`
		Standards []string `json:"standards"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Device == "" {
		writeError(w, http.StatusBadRequest, "некорректное тело запроса калибровки")
		return
	}
	if req.Ports == 0 {
		req.Ports = 1
	}

	steps := make([]govna.CalibrationStep, len(req.Standards))
	for i, std := range req.Standards {
		steps[i] = govna.CalibrationStep{Standard: govna.CalibrationStandard(std)}
	}
	plan := govna.CalibrationPlan{
		Name:  req.Name,
		Ports: req.Ports,
		Sweep: govna.SweepConfig{Start: req.Start, Stop: req.Stop, Points: req.Points},
		Steps: steps,
	}

	profile, err := s.vna.RunCalibrationPlan(r.Context(), req.Device, plan, nil)
	if err != nil {
		s.coreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, profileResponse{
		ID:        profile.ID,
		Name:      profile.Name,
		Ports:     profile.Ports,
		CreatedAt: profile.CreatedAt,
		Start:     profile.Sweep.Start,
		Stop:      profile.Sweep.Stop,
		Points:    profile.Sweep.Points,
	})
}

func (s *server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.vna.ListProfiles()
	if err != nil {
		s.coreError(w, err)
		return
	}
	resp := make([]profileResponse, len(profiles))
	for i, p := range profiles {
		resp[i] = profileResponse{
			ID:        p.ID,
			Name:      p.Name,
			Ports:     p.Ports,
			CreatedAt: p.CreatedAt,
			Start:     p.Sweep.Start,
			Stop:      p.Sweep.Stop,
			Points:    p.Sweep.Points,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// coreError отображает категорию ошибки ядра в статус HTTP и счетчик метрик.
func (s *server) coreError(w http.ResponseWriter, err error) {
	category := "internal"
	status := http.StatusInternalServerError

	var poolErr *govna.PoolError
	var calErr *govna.CalibrationError
	var probeErr *govna.ProbeError
	var transportErr *govna.TransportError
	var protocolErr *govna.ProtocolError

	switch {
	case errors.As(err, &poolErr):
		category = "pool_" + string(poolErr.Reason)
		if poolErr.Reason == govna.PoolNotFound {
			status = http.StatusNotFound
		} else {
			status = http.StatusServiceUnavailable
		}
	case errors.As(err, &calErr):
		category = "calibration_" + string(calErr.Reason)
		if calErr.Reason == govna.CalInsufficientStandards {
			status = http.StatusBadRequest
		} else {
			status = http.StatusUnprocessableEntity
		}
	case errors.As(err, &probeErr):
		category = "probe"
		status = http.StatusBadGateway
	case errors.As(err, &transportErr):
		category = "transport"
		status = http.StatusBadGateway
	case errors.As(err, &protocolErr):
		category = "protocol_" + string(protocolErr.Reason)
		status = http.StatusBadGateway
	default:
		category = "validation"
		status = http.StatusBadRequest
	}

	coreErrors.WithLabelValues(category).Inc()
	log.Warn().Err(err).Str("category", category).Msg("ошибка операции")
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requestLogger логирует HTTP-запросы через zerolog.
func requestLogger() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
