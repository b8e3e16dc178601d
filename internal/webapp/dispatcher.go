package webapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/fieldtrack/internal/telemetry"
	"nuha.dev/fieldtrack/internal/util"
	"nuha.dev/fieldtrack/internal/webapp/common"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Dispatcher calls registered functions by name. A function is either
// func(ctx, *Req, *Res) error or func(ctx, *Res) error; Req is decoded from
// the JSON body and validated before the call.
type Dispatcher struct {
	funcs     map[string]_function
	validator *validator.Validate
	log       log.Logger
}

type _function struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.funcs = make(map[string]_function)
	d.validator = validator.New()
	d.log = log.DefaultLogger
	d.log.Context = log.NewContext(nil).Str("module", "dispatcher").Value()
	return d
}

func (disp *Dispatcher) Call(funcname string, w http.ResponseWriter, r *http.Request) {
	_func, ok := disp.funcs[funcname]
	if !ok {
		util.JsonWriteStatus(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("function \"%s\" not found", funcname)})
		return
	}
	disp.call(_func, r, w)
}

func (disp *Dispatcher) call(_func _function, r *http.Request, w http.ResponseWriter) {
	response := reflect.New(_func.resType)
	var err_ref []reflect.Value
	ctx := r.Context()
	if _func.reqType != nil {
		request := reflect.New(_func.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			util.JsonWriteStatus(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		err = disp.validator.Struct(request.Interface())
		if err != nil {
			util.JsonWriteStatus(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		err_ref = _func.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	if !err_ref[0].IsNil() {
		err := err_ref[0].Interface().(error)
		status := status_for(err)
		if status >= 500 {
			disp.log.Error().Err(err).Int("status", status).Msg("function failed")
		}
		util.JsonWriteStatus(w, status, errorResponse{Error: err.Error()})
		return
	}
	util.JsonWrite(w, response.Interface())
}

// Add registers f under funcname. It panics when f has neither accepted
// shape.
func (disp *Dispatcher) Add(funcname string, f interface{}) {
	s := _function{}
	s.handler = reflect.ValueOf(f)
	t := s.handler.Type()
	if t.Kind() != reflect.Func || t.NumOut() != 1 || t.Out(0) != errorType ||
		t.NumIn() < 2 || t.NumIn() > 3 || t.In(0) != reflect.TypeOf((*context.Context)(nil)).Elem() {
		panic(fmt.Sprintf("dispatcher: bad signature for %s: %s", funcname, t))
	}
	if t.NumIn() == 2 {
		s.resType = t.In(1).Elem()
	} else {
		s.reqType = t.In(1).Elem()
		s.resType = t.In(2).Elem()
	}
	disp.funcs[funcname] = s
}

func status_for(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, telemetry.ErrCapabilityUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, telemetry.ErrLocationUnavailable):
		return http.StatusGatewayTimeout
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
