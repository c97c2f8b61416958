// Documentation: https://ascom-standards.org/api/?urls.primaryName=ASCOM+Alpaca+Management+API

// Package alpaca serves a read-only Alpaca management and status API for
// the devices of a running session, plus an HTML status page.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"observatory/pkg/device"
	"observatory/pkg/focus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

type DeviceInfo struct {
	Name     string `json:"DeviceName"`
	Type     string `json:"DeviceType"`
	Number   int    `json:"DeviceNumber"`
	UniqueID string `json:"UniqueID"`
}

type StateProperty struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

// Device is anything that reports an actor state.
type Device interface {
	State() device.State
}

// History provides past focus runs, newest first.
type History interface {
	History(limit int) ([]focus.Result, error)
}

// FocusStatus reports the live state of the focus controller.
type FocusStatus interface {
	ContinuousFocusing() bool
	FWHM() (float64, bool)
}

type entry struct {
	dev  Device
	info DeviceInfo
}

// Server is an Alpaca management server that provides information
// about the session and the devices it drives.
type Server struct {
	description ServerDescription
	devices     []entry
	history     History
	focus       FocusStatus
	tmpl        *template.Template
	logger      log.FieldLogger
}

// NewServer numbers the devices per type in the order given.
func NewServer(description ServerDescription, devices []Device, history History, fs FocusStatus, tmpl *template.Template, logger log.FieldLogger) *Server {
	s := &Server{
		description: description,
		history:     history,
		focus:       fs,
		tmpl:        tmpl,
		logger:      logger.WithField("component", "alpaca"),
	}

	numbers := map[device.Kind]int{}
	for _, dev := range devices {
		st := dev.State()
		n := numbers[st.Kind]
		numbers[st.Kind]++
		s.devices = append(s.devices, entry{
			dev: dev,
			info: DeviceInfo{
				Name:     st.Name,
				Type:     st.Kind.String(),
				Number:   n,
				UniqueID: uniqueID(st.Kind, st.Name),
			},
		})
	}
	return s
}

func uniqueID(kind device.Kind, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("observatory:"+kind.String()+":"+name)).String()
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.Handle("GET /management/apiversions", handler(s.handleAPIVersions))
	r.Handle("GET /management/v1/description", handler(s.handleDescription))
	r.Handle("GET /management/v1/configureddevices", handler(s.handleConfiguredDevices))
	r.Handle("GET /focus/history", handler(s.handleFocusHistory))
	r.Handle("GET /focus/status", handler(s.handleFocusStatus))
	r.HandleFunc("GET /setup", s.handleSetup)

	for _, e := range s.devices {
		prefix := fmt.Sprintf("/api/v1/%s/%d", strings.ToLower(e.info.Type), e.info.Number)
		s.logger.Debugf("Serving %s at %s", e.info.Name, prefix)

		mux := http.NewServeMux()
		registerDeviceRoutes(mux, e)
		r.Handle(prefix+"/", http.StripPrefix(prefix, mux))
	}
	return r
}

func registerDeviceRoutes(mux *http.ServeMux, e entry) {
	mux.Handle("GET /name", handler(func(*http.Request) (any, error) {
		return e.info.Name, nil
	}))
	mux.Handle("GET /connected", handler(func(*http.Request) (any, error) {
		return !e.dev.State().Crashed, nil
	}))
	mux.Handle("GET /devicestate", handler(func(*http.Request) (any, error) {
		return stateProperties(e.dev.State()), nil
	}))
	mux.Handle("PUT /", handler(func(r *http.Request) (any, error) {
		return nil, &Error{Number: errNotImplemented, Message: "this server is read-only"}
	}))
}

func stateProperties(st device.State) []StateProperty {
	return []StateProperty{
		{Name: "TimeStamp", Value: time.Now().Format(time.RFC3339)},
		{Name: "Busy", Value: st.Busy},
		{Name: "Crashed", Value: st.Crashed},
		{Name: "Queued", Value: st.Queued},
		{Name: "Executed", Value: st.Executed},
		{Name: "Crashes", Value: st.Crashes},
	}
}

func (s *Server) handleAPIVersions(r *http.Request) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request) (any, error) {
	infos := make([]DeviceInfo, 0, len(s.devices))
	for _, e := range s.devices {
		infos = append(infos, e.info)
	}
	return infos, nil
}

func (s *Server) handleFocusHistory(r *http.Request) (any, error) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &Error{Number: errInvalidValue, Message: fmt.Sprintf("invalid limit %q", v)}
		}
		limit = n
	}
	hist := []focus.Result{}
	if s.history != nil {
		h, err := s.history.History(limit)
		if err != nil {
			return nil, err
		}
		hist = append(hist, h...)
	}
	return hist, nil
}

type focusState struct {
	Continuous bool    `json:"Continuous"`
	FWHM       float64 `json:"FWHM,omitempty"`
}

func (s *Server) handleFocusStatus(r *http.Request) (any, error) {
	if s.focus == nil {
		return nil, &Error{Number: errNotConnected, Message: "no focus controller"}
	}
	fwhm, _ := s.focus.FWHM()
	return focusState{Continuous: s.focus.ContinuousFocusing(), FWHM: fwhm}, nil
}

type statusPage struct {
	Name       string
	Location   string
	Devices    []device.State
	Continuous bool
	FWHM       float64
	HasFWHM    bool
	History    []focus.Result
}

// handleSetup renders the session status page.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	data := statusPage{
		Name:     s.description.Name,
		Location: s.description.Location,
	}
	for _, e := range s.devices {
		data.Devices = append(data.Devices, e.dev.State())
	}
	if s.focus != nil {
		data.Continuous = s.focus.ContinuousFocusing()
		data.FWHM, data.HasFWHM = s.focus.FWHM()
	}
	if s.history != nil {
		hist, err := s.history.History(10)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.History = hist
	}

	if err := s.tmpl.ExecuteTemplate(w, "status.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.logger.Errorf("Error rendering template: %v", err)
	}
}

// ListenAndServe serves the API on port until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.AddRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("Alpaca status API listening on port %d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
