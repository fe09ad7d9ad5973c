// Package generichttp defines interfaces for generic devices
// and an extensible type that wraps them in an HTTP interface
package generichttp

import (
	"encoding/json"
	"go/types"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is an HTTP method and URL path pair, the key of a RouteTable
type MethodPath struct {
	// Method is the HTTP method, e.g. http.MethodGet
	Method string

	// Path is the URL path relative to the mount point, e.g. /axis/{axis}/pos
	Path string
}

// RouteTable maps method-path pairs to handler funcs
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in the table, sorted by path then method
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Strings(routes)
	return routes
}

// Bind attaches every route in the table to a chi router
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.Method(mp.Method, mp.Path, handler)
	}
}

// HTTPer is a type which can yield a route table to be bound to a mux
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize prepares a config-supplied endpoint for mounting,
// "omc/nkt" => "/omc/nkt"
func SubMuxSanitize(str string) string {
	if !strings.HasPrefix(str, "/") {
		str = "/" + str
	}
	return strings.TrimSuffix(str, "/")
}

// HumanPayload is a struct containing the basic types HTTP responses may contain
type HumanPayload struct {
	// T is the type of data actually contained in the payload
	T types.BasicKind

	// Bool holds a bool
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as JSON with the
// appropriate single-key envelope
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var err error
	switch hp.T {
	case types.Bool:
		err = json.NewEncoder(w).Encode(BoolT{Bool: hp.Bool})
	case types.Int:
		err = json.NewEncoder(w).Encode(IntT{Int: hp.Int})
	case types.String:
		err = json.NewEncoder(w).Encode(StrT{Str: hp.String})
	default:
		err = json.NewEncoder(w).Encode(FloatT{F64: hp.Float})
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// FloatT is a struct with a single field for json {'f64': value}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single field for json {'int': value}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single field for json {'str': value}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single field for json {'bool': value}
type BoolT struct {
	Bool bool `json:"bool"`
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Float64, Float: f}
		hp.EncodeAndRespond(w, r)
	}
}

// SetFloat parses a JSON input of {'f64': value} and
// calls fcn with it
func SetFloat(fcn func(float64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := FloatT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.F64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetInt calls an int-getting function and returns the response
// as json {'int': value}
func GetInt(fcn func() (int, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Int, Int: i}
		hp.EncodeAndRespond(w, r)
	}
}

// SetInt parses a JSON input of {'int': value} and
// calls fcn with it
func SetInt(fcn func(int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := IntT{}
		err := json.NewDecoder(r.Body).Decode(&f)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(f.Int)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.String, String: s}
		hp.EncodeAndRespond(w, r)
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		hp := HumanPayload{T: types.Bool, Bool: b}
		hp.EncodeAndRespond(w, r)
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
