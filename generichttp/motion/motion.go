// Package motion provides an HTTP interface to motion controllers
package motion

/*
This file uses higher order functions to bind the supported interfaces for a
motion controller, which may implement any number of them.  The controller
wrapper probes the concrete type for each capability and only exposes the
routes it can actually serve.
*/
import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/ftsctl/generichttp"
)

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error
}

// HTTPMove adds routes for the mover to the route table
func HTTPMove(iface Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}] = Home(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = GetPos(iface)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(iface)
}

// GetPos returns an HTTP handler func from a mover that gets the position of an axis
func GetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		pos, err := m.GetPos(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
		hp.EncodeAndRespond(w, r)
	}
}

func popAxisRelative(r *http.Request) (string, bool, error) {
	axis := chi.URLParam(r, "axis")
	relative := r.URL.Query().Get("relative")
	if relative == "" {
		relative = "false"
	}
	b, err := strconv.ParseBool(relative)
	return axis, b, err
}

// SetPos returns an HTTP handler func from a mover that triggers an absolute or
// relative move on an axis based on the relative query parameter
func SetPos(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis, b, err := popAxisRelative(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f := generichttp.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if b {
			err = m.MoveRel(axis, f.F64)
		} else {
			err = m.MoveAbs(axis, f.F64)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Home returns an HTTP handler func from a mover that homes an axis
func Home(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		err := m.Home(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Speeder describes an interface with velocity-related methods for axes
type Speeder interface {
	// SetVelocity sets the velocity setpoint on the axis
	SetVelocity(string, float64) error

	// GetVelocity gets the velocity setpoint on the axis
	GetVelocity(string) (float64, error)
}

// HTTPSpeed adds routes for the speeder to the route table
func HTTPSpeed(iface Speeder, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/velocity"}] = SetVelocity(iface)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/velocity"}] = GetVelocity(iface)
}

// SetVelocity returns an HTTP handler func which sets the velocity setpoint on an axis
func SetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		floatT := generichttp.FloatT{}
		err := json.NewDecoder(r.Body).Decode(&floatT)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.SetVelocity(axis, floatT.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetVelocity returns an HTTP handler func which gets the velocity setpoint on an axis
func GetVelocity(s Speeder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		vel, err := s.GetVelocity(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Float64, Float: vel}
		hp.EncodeAndRespond(w, r)
	}
}

// Stopper describes an interface with stop-related methods for axes
type Stopper interface {
	// Stop aborts motion of the axis
	Stop(string) error
}

// HTTPStop adds routes for the stopper to the route table
func HTTPStop(iface Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/stop"}] = Stop(iface)
}

// Stop returns an HTTP handler func from a stopper that aborts motion of an axis
func Stop(s Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		err := s.Stop(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// InPositionQueryer is a type which can query whether an axis is in position
type InPositionQueryer interface {
	// GetInPosition returns True if the axis is in position
	GetInPosition(string) (bool, error)
}

// HTTPInPosition adds routes for InPosition to the route table
func HTTPInPosition(iface InPositionQueryer, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/inposition"}] = GetInPosition(iface)
}

// GetInPosition returns an http.HandlerFunc for i.GetInPosition
func GetInPosition(i InPositionQueryer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		inPos, err := i.GetInPosition(axis)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := generichttp.HumanPayload{T: types.Bool, Bool: inPos}
		hp.EncodeAndRespond(w, r)
	}
}

// Controller is used for the HTTP interface, which will check if the concrete
// type satisfies the other interfaces in this package and inject their routes
// automatically
type Controller interface {
	// Mover - all Controllers must be Movers
	Mover
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	HTTPMove(c, rt)
	if speeder, ok := interface{}(c).(Speeder); ok {
		HTTPSpeed(speeder, rt)
	}
	if stopper, ok := interface{}(c).(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if inpos, ok := interface{}(c).(InPositionQueryer); ok {
		HTTPInPosition(inpos, rt)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}
