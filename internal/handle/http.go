package handle

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/dmorgan81/imagebot/internal/config"
	"github.com/dmorgan81/imagebot/internal/handler"
	"github.com/dmorgan81/imagebot/internal/log"
	"github.com/gorilla/mux"
	"github.com/samber/do"
)

// HTTPHandler serves the dispatcher from a plain net/http server.
type HTTPHandler struct {
	handler      *handler.Handler
	maxBodyBytes int64
}

func NewHTTP(h *handler.Handler, maxBodyBytes int64) *HTTPHandler {
	return &HTTPHandler{handler: h, maxBodyBytes: maxBodyBytes}
}

func NewHTTPHandler(i *do.Injector) (*HTTPHandler, error) {
	return NewHTTP(
		do.MustInvoke[*handler.Handler](i),
		do.MustInvoke[*config.Config](i).MaxBodyBytes,
	), nil
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Only generation requests read the body; everything else gets the page whatever it sent.
	var body []byte
	if handler.IsGenerate(r.Method, r.URL.Path) {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			log.FromContextOrDiscard(ctx).Warn("reading request body", log.Err(err))
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp := h.handler.Dispatch(ctx, handler.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: headers,
		Body:    body,
	})

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// Register routes every path to the dispatcher, which does its own routing. The router must
// skip path cleaning or non-canonical paths are redirected before reaching it.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.SkipClean(true)
	r.PathPrefix("/").Handler(h)
}
