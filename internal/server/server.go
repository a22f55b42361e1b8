// Package server exposes the state of a device over HTTP: board info, DMA engines, the
// camera counters, register values and the prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ipe-fpga/pcilib"
	"github.com/ipe-fpga/pcilib/dma"
	"github.com/ipe-fpga/pcilib/ipecamera"
)

// Options are passed to New. Every part but the logger is optional, routes of missing
// parts answer 404.
type Options struct {
	Board     *pcilib.BoardInfo
	DMA       *dma.DMA
	Camera    *ipecamera.Camera
	Registers *pcilib.Registers
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Server is the status server of one device.
type Server struct {
	opts   Options
	logger *zap.Logger
	router chi.Router
}

// New builds the route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{opts: opts, logger: logger, router: chi.NewRouter()}

	s.router.Get("/status", s.status)
	s.router.Get("/dma/{engine}", s.engine)
	s.router.Get("/camera", s.camera)
	s.router.Get("/registers", s.registers)
	s.router.Get("/registers/{name}", s.register)
	s.router.Get("/registers/{bank}/{name}", s.register)

	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	s.logger.Info("Status server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdown); err != nil {
		return err
	}

	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Engine is the JSON form of an engine description.
type Engine struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Addr      uint8  `json:"addr"`
	Type      string `json:"type"`
	Direction string `json:"direction"`
	AddrBits  int    `json:"addr_bits"`
}

// Status is the reply of /status.
type Status struct {
	Board   *pcilib.BoardInfo `json:"board,omitempty"`
	Engines []Engine          `json:"engines"`
}

// EngineStatus is the reply of /dma/{engine}.
type EngineStatus struct {
	Engine  Engine             `json:"engine"`
	Status  dma.EngineStatus   `json:"status"`
	Buffers []dma.BufferStatus `json:"buffers"`
}

// RegisterValue is the reply of /registers/{name}.
type RegisterValue struct {
	Name        string `json:"name"`
	Bank        string `json:"bank"`
	Addr        uint64 `json:"addr"`
	Value       uint32 `json:"value"`
	Description string `json:"description,omitempty"`
}

func describe(index int, desc dma.EngineDescription) Engine {
	return Engine{
		Index:     index,
		Name:      desc.Name,
		Addr:      desc.Addr,
		Type:      desc.Type.String(),
		Direction: desc.Direction.String(),
		AddrBits:  desc.AddrBits,
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st := Status{Board: s.opts.Board, Engines: []Engine{}}

	if s.opts.DMA.IsReady() {
		for i, desc := range s.opts.DMA.Engines() {
			st.Engines = append(st.Engines, describe(i, desc))
		}
	}

	s.reply(w, st)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) {
	if !s.opts.DMA.IsReady() {
		s.fail(w, fmt.Errorf("no DMA engines: %w", pcilib.ErrNotFound))
		return
	}

	index, err := strconv.Atoi(chi.URLParam(r, "engine"))
	if err != nil {
		s.fail(w, fmt.Errorf("engine %q: %w", chi.URLParam(r, "engine"), pcilib.ErrInvalidArgument))
		return
	}

	desc, err := s.opts.DMA.Engine(dma.Engine(index))
	if err != nil {
		s.fail(w, err)
		return
	}

	status, buffers, err := s.opts.DMA.Status(dma.Engine(index))
	if err != nil {
		s.fail(w, err)
		return
	}

	if buffers == nil {
		buffers = []dma.BufferStatus{}
	}

	s.reply(w, EngineStatus{Engine: describe(index, desc), Status: status, Buffers: buffers})
}

func (s *Server) camera(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Camera.IsReady() {
		s.fail(w, fmt.Errorf("no camera: %w", pcilib.ErrNotFound))
		return
	}

	s.reply(w, s.opts.Camera.Status())
}

func (s *Server) registers(w http.ResponseWriter, r *http.Request) {
	regs := s.opts.Registers.List()

	out := make([]RegisterValue, 0, len(regs))
	for _, reg := range regs {
		out = append(out, RegisterValue{
			Name:        reg.Name,
			Bank:        reg.Bank,
			Addr:        uint64(reg.Addr),
			Value:       reg.Default,
			Description: reg.Description,
		})
	}

	s.reply(w, out)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	reg, err := s.opts.Registers.Find(chi.URLParam(r, "bank"), chi.URLParam(r, "name"))
	if errors.Is(err, pcilib.ErrNotInitialized) {
		err = fmt.Errorf("no registers: %w", pcilib.ErrNotFound)
	}
	if err != nil {
		s.fail(w, err)
		return
	}

	if reg.Mode&pcilib.REGISTER_R == 0 {
		s.fail(w, fmt.Errorf("register %s is write-only: %w", reg.Name, pcilib.ErrNotSupported))
		return
	}

	value, err := s.opts.Registers.ReadRegister(reg)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.reply(w, RegisterValue{
		Name:        reg.Name,
		Bank:        reg.Bank,
		Addr:        uint64(reg.Addr),
		Value:       value,
		Description: reg.Description,
	})
}

func (s *Server) reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode reply", zap.Error(err))
	}
}

// Error is the JSON body of failed requests.
type Error struct {
	Error string `json:"error"`
}

// statusCode maps the error taxonomy to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, pcilib.ErrNotFound), errors.Is(err, pcilib.ErrNotAvailable), errors.Is(err, pcilib.ErrInvalidBank):
		return http.StatusNotFound
	case errors.Is(err, pcilib.ErrInvalidArgument), errors.Is(err, pcilib.ErrInvalidAddress), errors.Is(err, pcilib.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, pcilib.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, pcilib.ErrTimeout), errors.Is(err, pcilib.ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(Error{Error: err.Error()})
}
